//go:build !linux

package hx711

import "runtime"

func LockRealtime() error {
	runtime.LockOSThread()
	return nil
}

func UnlockRealtime() {
	runtime.UnlockOSThread()
}
