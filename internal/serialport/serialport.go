// Package serialport implements the port enumerator (spec.md §4.1, C1):
// list OS serial ports and filter to USB CDC/ACM/FTDI/CP210x/CH340/
// Espressif candidates. Grounded on mos/devutil's per-OS
// EnumerateSerialPorts split (serial_linux.go/serial_darwin.go/
// serial_windows.go), generalized into a single cross-platform filter
// plus platform-specific raw enumeration.
package serialport

import "sort"

// Info describes one candidate serial port, pure data with no open file
// handle — C1 is required to be side-effect-free (spec.md §4.1).
type Info struct {
	Path string
	// VID/PID/Serial/Manufacturer/Product are populated on platforms where
	// the raw enumeration step can read USB descriptors cheaply (sysfs on
	// Linux); the Darwin enumeration does not read them. Zero values are
	// valid and mean "unknown", not "no USB device".
	VID          uint16
	PID          uint16
	SerialNumber string
	Manufacturer string
	Product      string
}

// ListCandidatePorts enumerates raw OS ports via the platform-specific
// rawEnumerate and applies the path filters from spec.md §4.1. It must
// tolerate a port disappearing between enumeration and a later open; this
// function only looks at path names so there's nothing here to race.
func ListCandidatePorts() ([]Info, error) {
	raw, err := rawEnumerate()
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, p := range raw {
		if isCandidatePath(p.Path) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// isCandidatePath applies the platform path filters from spec.md §4.1.
// Matching both cu.* and tty.* forms of the same device is intentional:
// deduplication by shared USB identity is the board registry's job (C6),
// not this component's (spec.md §4.1).
func isCandidatePath(path string) bool {
	if hasWindowsCOMPrefix(path) {
		return true
	}
	for _, prefix := range []string{
		"/dev/cu.usbmodem", "/dev/cu.usbserial",
		"/dev/tty.usbmodem", "/dev/tty.usbserial",
		"/dev/ttyUSB", "/dev/ttyACM",
	} {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func hasWindowsCOMPrefix(path string) bool {
	return len(path) >= 3 && path[:3] == "COM"
}
