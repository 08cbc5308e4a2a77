//go:build linux

package serialport

import (
	"os"
	"path/filepath"
)

// rawEnumerate lists /dev/ttyUSB* and /dev/ttyACM* (ttyUSB preferred over
// ttyACM, matching mos/devutil/serial_linux.go) and best-effort enriches
// each with USB descriptor fields by walking sysfs.
func rawEnumerate() ([]Info, error) {
	var paths []string
	for _, pattern := range []string{"/dev/ttyUSB*", "/dev/ttyACM*"} {
		m, _ := filepath.Glob(pattern)
		paths = append(paths, m...)
	}
	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		infos = append(infos, enrichFromSysfs(p))
	}
	return infos, nil
}

// enrichFromSysfs reads the USB VID/PID/serial/manufacturer/product that
// the kernel exposes for a tty device under /sys/class/tty/<name>/device.
// Best effort: any failure just leaves the fields at zero value, since
// stage-1 identification (C2) treats an unknown VID as chip_type=Unknown
// rather than failing.
func enrichFromSysfs(path string) Info {
	info := Info{Path: path}
	name := filepath.Base(path)
	devLink := filepath.Join("/sys/class/tty", name, "device")
	usbDir, err := findUSBDeviceDir(devLink)
	if err != nil {
		return info
	}
	info.VID = readHex16(filepath.Join(usbDir, "idVendor"))
	info.PID = readHex16(filepath.Join(usbDir, "idProduct"))
	info.SerialNumber = readTrimmed(filepath.Join(usbDir, "serial"))
	info.Manufacturer = readTrimmed(filepath.Join(usbDir, "manufacturer"))
	info.Product = readTrimmed(filepath.Join(usbDir, "product"))
	return info
}

// findUSBDeviceDir walks up from the tty's device symlink to the USB
// device directory (the one carrying idVendor/idProduct), mirroring what
// the kernel's own "usb device" sysfs layout looks like for
// ttyUSB/ttyACM devices (one or two levels above the interface).
func findUSBDeviceDir(devLink string) (string, error) {
	dir, err := filepath.EvalSymlinks(devLink)
	if err != nil {
		return "", err
	}
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(filepath.Join(dir, "idVendor")); err == nil {
			return dir, nil
		}
		dir = filepath.Dir(dir)
	}
	return "", os.ErrNotExist
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func readHex16(path string) uint16 {
	s := readTrimmed(path)
	var v uint16
	for _, c := range s {
		var d uint16
		switch {
		case c >= '0' && c <= '9':
			d = uint16(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint16(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint16(c-'A') + 10
		default:
			continue
		}
		v = v*16 + d
	}
	return v
}
