// Package orchestrator is the single façade that turns "flash this plan
// onto this board" into the full sequence spec.md §4.4/§4.6/§4.7
// describe: lease the board, suspend any monitor session holding its
// port, open the port, run the flash engine with progress published to
// the event bus, then release the lease and resume monitoring.
//
// Grounded on mos/flash.go's top-level flash command, which is itself a
// thin sequencing function over the lower-level flasher package;
// generalized here from "the one locally attached board the CLI was
// invoked against" to "any board.BoardID the registry currently knows
// about", and from direct stdout reporting to event-bus publication so
// both the CLI and the HTTP/WebSocket surface can observe progress.
package orchestrator

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/flashengine"
	"github.com/espbrew/espbrew/internal/monitor"
	"github.com/espbrew/espbrew/internal/registry"
	"github.com/espbrew/espbrew/internal/romproto"
)

// PortOpener opens a board's serial port at a caller-chosen baud: 115200
// (the ROM bootloader's initial baud, spec.md §4.4 step 1) to start a
// flash, or a suspended monitor session's own baud when reopening the
// port to resume monitoring afterward.
type PortOpener interface {
	OpenForFlash(portPath string, baud int) (romproto.Port, error)
}

// romInitialBaud is the ROM bootloader's fixed initial baud rate
// (spec.md §4.4 step 1); every flash connection opens at this rate
// before the flash engine negotiates a higher one via CHANGE_BAUDRATE.
const romInitialBaud = 115200

// Orchestrator wires together the registry, monitor manager and flash
// engine behind a single Flash call.
type Orchestrator struct {
	reg    *registry.Registry
	mon    *monitor.Manager
	bus    *eventbus.Bus
	opener PortOpener
}

func New(reg *registry.Registry, mon *monitor.Manager, bus *eventbus.Bus, opener PortOpener) *Orchestrator {
	return &Orchestrator{reg: reg, mon: mon, bus: bus, opener: opener}
}

// Flash runs plan against boardID, end to end. It is safe to call
// concurrently for different boards; concurrent calls for the same
// board race on registry.Lease and exactly one wins (spec.md §5: "at
// most one flash or monitor session per board at a time").
func (o *Orchestrator) Flash(ctx context.Context, boardID string, plan *board.Plan) error {
	if err := o.reg.Lease(boardID, board.StatusFlashing); err != nil {
		return err
	}
	ok := false
	var finalErr error
	defer func() {
		o.reg.Release(boardID, ok, errString(finalErr))
	}()

	b, found := o.reg.Get(boardID)
	if !found {
		finalErr = espbrewerr.New(espbrewerr.KindPortNotFound, "board vanished before flash could start: "+boardID)
		return finalErr
	}

	// A live monitor session on this board holds the serial port open;
	// suspend it for the duration of the flash and resume it afterward.
	// A session started through the HTTP API leases the board as
	// Monitoring, so Lease above already fails with BoardBusy for it;
	// this path covers a session on a board whose status is Available,
	// such as one resumed here after an earlier flash.
	var suspended *monitor.Session
	if s, ok2 := o.mon.Get(boardID); ok2 {
		suspended = s
		suspended.Stop()
	}

	port, err := o.opener.OpenForFlash(b.Port, romInitialBaud)
	if err != nil {
		finalErr = espbrewerr.New(espbrewerr.KindFlashConnectFailed, "failed to open "+b.Port+": "+err.Error())
		return finalErr
	}
	defer closePort(port)

	lastPublish := time.Time{}
	onProgress := func(p board.Progress) {
		now := time.Now()
		if now.Sub(lastPublish) < time.Second && p.Phase == board.PhaseWriting && p.BytesWrittenSeg != p.SegmentTotal {
			return
		}
		lastPublish = now
		pct := 0.0
		if p.OverallTotal > 0 {
			pct = 100 * float64(p.BytesWrittenAll) / float64(p.OverallTotal)
		}
		o.reg.UpdateProgress(boardID, pct)
		o.bus.Publish(eventbus.Event{Kind: eventbus.KindFlashProgress, BoardID: boardID, Data: p})
	}

	if err := flashengine.Flash(ctx, port, plan, onProgress); err != nil {
		finalErr = err
		glog.Warningf("orchestrator: flash of board %s failed: %v", boardID, err)
	} else {
		ok = true
		glog.Infof("orchestrator: flash of board %s succeeded", boardID)
	}

	o.bus.Publish(eventbus.Event{Kind: eventbus.KindActionFinished, BoardID: boardID, Data: finalErr == nil})

	if suspended != nil {
		if port2, reopenErr := o.opener.OpenForFlash(b.Port, suspended.Baud); reopenErr == nil {
			// Best-effort resume: the monitor manager owns the new session
			// going forward, closing port2 on its own Stop().
			o.mon.Start(boardID, b.Port, suspended.Baud, monitorPortAdapter{port2})
		} else {
			glog.Warningf("orchestrator: failed to resume monitor session for board %s at %d baud: %v", boardID, suspended.Baud, reopenErr)
		}
	}

	return finalErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func closePort(p romproto.Port) {
	if c, ok := p.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// monitorPortAdapter adapts a romproto.Port (the flash engine's
// transport, which has no Close in its interface signature beyond the
// type assertion above) to monitor.Port's plain io.ReadWriteCloser.
type monitorPortAdapter struct {
	p romproto.Port
}

func (a monitorPortAdapter) Read(b []byte) (int, error)  { return a.p.Read(b) }
func (a monitorPortAdapter) Write(b []byte) (int, error) { return a.p.Write(b) }
func (a monitorPortAdapter) Close() error {
	if c, ok := a.p.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
