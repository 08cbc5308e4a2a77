// Package boardid implements the two-stage board identifier (spec.md
// §4.2, C2): a bounded USB-descriptor heuristic, followed by the ROM
// bootloader handshake from internal/romproto. Stage 1 mirrors the VID/PID
// dispatch mos/flash/common/usb.go's OpenUSBDevice performs, but reads the
// descriptor fields internal/serialport already enriched from sysfs
// rather than opening the USB device a second time through gousb/libusb
// (see DESIGN.md); stage 2 delegates to internal/romproto.
package boardid

import (
	"context"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/romproto"
	"github.com/espbrew/espbrew/internal/serialport"
)

// Known USB vendor IDs, per spec.md §4.2.
const (
	vidEspressif uint16 = 0x303A
	vidSiLabs    uint16 = 0x10C4
	pidCP210x    uint16 = 0xEA60
	vidFTDI      uint16 = 0x0403
	vidCH340     uint16 = 0x1A86
)

const stage1Budget = 500 * time.Millisecond

// FailureClass distinguishes the stage-2 failure modes from spec.md §4.2.
type FailureClass int

const (
	FailureNone FailureClass = iota
	FailurePortBusy
	FailureNoResponse
	FailureProtocolError
	FailureTimeout
)

// Result is the outcome of identifying one candidate port.
type Result struct {
	Identity board.Identity
	Stage2OK bool
	Failure  FailureClass
}

// Stage1 applies the VID/PID/product heuristic from spec.md §4.2. The
// result is a hint only: chip type is a best guess and UniqueID is the
// provisional "USB-VVVV:PPPP-<port>" form, never a final identity.
func Stage1(p serialport.Info) board.Identity {
	id := board.Identity{ChipType: board.ChipUnknown}
	id.UniqueID = board.ProvisionalUniqueID(p.VID, p.PID, p.Path)

	switch {
	case p.VID == vidEspressif:
		id.ChipType = guessEspressifNativeUSBChip(p.Product)
	case p.VID == vidSiLabs && p.PID == pidCP210x:
		id.ChipType = board.ChipESP32
	case p.VID == vidFTDI, p.VID == vidCH340:
		id.ChipType = board.ChipESP32
	}
	return id
}

// guessEspressifNativeUSBChip inspects the USB product string
// case-insensitively to pick among the native-USB-JTAG/serial chips,
// defaulting to ESP32-S3 per spec.md §4.2.
func guessEspressifNativeUSBChip(product string) board.ChipType {
	p := strings.ToLower(product)
	switch {
	case strings.Contains(p, "c3"):
		return board.ChipESP32C3
	case strings.Contains(p, "c6"):
		return board.ChipESP32C6
	case strings.Contains(p, "p4"):
		return board.ChipESP32P4
	case strings.Contains(p, "h2"):
		return board.ChipESP32H2
	default:
		return board.ChipESP32S3
	}
}

// PortOpener opens a port for the stage-2 handshake; implemented by the
// concrete serial backend (cesanta/go-serial) so this package stays
// testable against a fake.
type PortOpener interface {
	Open(path string, baud int) (romproto.Port, error)
}

// Identify runs stage 1, then — unless ctx is already done — stage 2,
// falling back to the stage-1 hint on any stage-2 failure (spec.md §4.2).
func Identify(ctx context.Context, opener PortOpener, p serialport.Info) Result {
	hint := Stage1(p)
	res := Result{Identity: hint}
	if ctx.Err() != nil {
		res.Failure = FailureTimeout
		return res
	}

	port, err := opener.Open(p.Path, 115200)
	if err != nil {
		res.Failure = classifyOpenError(err)
		glog.V(1).Infof("%s: stage-2 open failed (%v), using stage-1 hint", p.Path, err)
		return res
	}
	defer closePort(port)

	client := romproto.NewClient(port)
	if err := client.ResetSequence(); err != nil {
		res.Failure = FailureNoResponse
		return res
	}

	type idResult struct {
		id  board.Identity
		err error
	}
	ch := make(chan idResult, 1)
	go func() {
		id, err := client.Identify(hint.ChipType)
		ch <- idResult{id, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			res.Failure = classifyIdentifyError(r.err)
			glog.V(1).Infof("%s: stage-2 handshake failed: %v", p.Path, r.err)
			_ = client.ExitDownloadMode()
			return res
		}
		if r.id.ChipType == board.ChipUnknown {
			r.id.ChipType = hint.ChipType
		}
		if r.id.UniqueID == "" {
			r.id.UniqueID = hint.UniqueID
		}
		res.Identity = r.id
		res.Stage2OK = true
	case <-ctx.Done():
		res.Failure = FailureTimeout
	case <-time.After(5 * time.Second):
		res.Failure = FailureTimeout
	}
	_ = client.ExitDownloadMode()
	return res
}

func closePort(p romproto.Port) {
	if c, ok := p.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func classifyOpenError(err error) FailureClass {
	if espbrewerr.KindOf(err) == espbrewerr.KindPortBusy {
		return FailurePortBusy
	}
	return FailureNoResponse
}

func classifyIdentifyError(err error) FailureClass {
	k := espbrewerr.KindOf(err)
	switch k {
	case espbrewerr.KindPortBusy:
		return FailurePortBusy
	default:
		return FailureProtocolError
	}
}
