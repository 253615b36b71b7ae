//go:build !linux

package gpio

func openCdev(Pins) (Backend, error) {
	return nil, missing(KindCdev, "gpio character device requires linux")
}
