//go:build darwin

package serialport

import "path/filepath"

// rawEnumerate lists /dev/cu.* devices. USB descriptor enrichment on
// Darwin requires IOKit, which is out of scope for this port (stage-1
// identification in C2 falls back to Unknown for ports with no VID/PID,
// exactly as spec.md §4.2 describes for an unrecognized VID).
func rawEnumerate() ([]Info, error) {
	paths, _ := filepath.Glob("/dev/cu.*")
	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		infos = append(infos, Info{Path: p})
	}
	return infos, nil
}
