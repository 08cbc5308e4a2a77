// Package report prints operator-facing progress/status lines the way
// mos/ourutil.Reportf does: to stderr for immediate visibility, and to
// glog for the persistent record, instead of mixing the two concerns.
package report

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/golang/glog"
)

// Reportf writes a plain status line to stderr and logs it at Info level.
func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

// OK prints a colored success line ("✓ ...").
func OK(f string, args ...interface{}) {
	msg := fmt.Sprintf(f, args...)
	fmt.Fprintln(os.Stderr, color.GreenString("✓ %s", msg))
	glog.Infof("OK: %s", msg)
}

// Failf prints the single structured failure line mandated by spec.md §7:
// "❌ <category>: <detail>". Partial progress already reported is not
// retracted by this call.
func Failf(category, f string, args ...interface{}) {
	msg := fmt.Sprintf(f, args...)
	fmt.Fprintln(os.Stderr, color.RedString("❌ %s: %s", category, msg))
	glog.Errorf("%s: %s", category, msg)
}
