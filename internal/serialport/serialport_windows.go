//go:build windows

package serialport

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// rawEnumerate reads HARDWARE\DEVICEMAP\SERIALCOMM, exactly as
// mos/devutil/serial_windows.go does, then sorts by COM number rather
// than lexicographically (lexicographic sort would put COM10 before
// COM2).
func rawEnumerate() ([]Info, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, `HARDWARE\DEVICEMAP\SERIALCOMM\`, registry.QUERY_VALUE)
	if err != nil {
		return nil, nil
	}
	defer k.Close()
	names, err := k.ReadValueNames(0)
	if err != nil {
		return nil, nil
	}
	paths := make([]string, 0, len(names))
	for _, n := range names {
		val, _, err := k.GetStringValue(n)
		if err == nil {
			paths = append(paths, val)
		}
	}
	sort.Sort(byCOMNumber(paths))
	infos := make([]Info, 0, len(paths))
	for _, p := range paths {
		infos = append(infos, Info{Path: p})
	}
	return infos, nil
}

func comNumber(port string) int {
	if !strings.HasPrefix(port, "COM") {
		return -1
	}
	n, err := strconv.Atoi(port[3:])
	if err != nil {
		return -1
	}
	return n
}

type byCOMNumber []string

func (a byCOMNumber) Len() int      { return len(a) }
func (a byCOMNumber) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a byCOMNumber) Less(i, j int) bool {
	ni, nj := comNumber(a[i]), comNumber(a[j])
	if ni < 0 || nj < 0 {
		return a[i] < a[j]
	}
	return ni < nj
}
