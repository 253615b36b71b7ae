//go:build linux

package gpio

import (
	"os"
	"strings"
)

var modelPaths = []string{
	"/sys/firmware/devicetree/base/model",
	"/proc/device-tree/model",
}

// BoardModel returns the device-tree model string, or "" when unknown.
func BoardModel() string {
	for _, p := range modelPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		model := strings.Trim(strings.TrimSpace(string(b)), "\x00")
		if model != "" {
			return model
		}
	}
	return ""
}

// registersUnsupported reports boards whose header is not behind the BCM
// register block; the Pi 5 routes it through the RP1 southbridge.
func registersUnsupported(model string) bool {
	return strings.Contains(model, "Raspberry Pi 5")
}
