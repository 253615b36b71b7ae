//go:build linux

package hx711

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// LockRealtime pins the calling goroutine to its OS thread and raises that
// thread's priority so bit timing is less exposed to scheduler jitter.
// Raising priority needs CAP_SYS_NICE; failure is reported but harmless.
func LockRealtime() error {
	runtime.LockOSThread()
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), -10)
}

// UnlockRealtime undoes LockRealtime's thread pinning.
func UnlockRealtime() {
	runtime.UnlockOSThread()
}
