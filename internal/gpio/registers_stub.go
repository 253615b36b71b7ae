//go:build !linux

package gpio

func openRegisters(Pins) (Backend, error) {
	return nil, missing(KindRegisters, "register access requires linux")
}
