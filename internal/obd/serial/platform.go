package serial

import (
	"path/filepath"
	"runtime"
)

// detectPlatformSerialDev returns the most likely ELM327 device path:
// the first matching device node, or a conventional default.
func detectPlatformSerialDev() string {
	var patterns []string
	var fallback string

	switch runtime.GOOS {
	case "windows":
		return "COM3"
	case "darwin":
		patterns = []string{"/dev/tty.usbserial*", "/dev/tty.OBD*", "/dev/cu.usbserial*"}
		fallback = "/dev/tty.usbserial"
	default:
		patterns = []string{"/dev/rfcomm*", "/dev/ttyUSB*", "/dev/ttyACM*"}
		fallback = "/dev/ttyUSB0"
	}

	for _, p := range patterns {
		if matches, err := filepath.Glob(p); err == nil && len(matches) > 0 {
			return matches[0]
		}
	}
	return fallback
}
