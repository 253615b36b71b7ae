//go:build !linux

package gpio

func BoardModel() string { return "" }
