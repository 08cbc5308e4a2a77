package registry

import (
	"context"
	"testing"
	"time"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/identitycache"
	"github.com/espbrew/espbrew/internal/romproto"
	"github.com/espbrew/espbrew/internal/serialport"
)

// failingOpener always fails to open, forcing every Scan in these tests
// down the stage-1-hint-only path without touching real hardware.
type failingOpener struct{}

func (failingOpener) Open(path string, baud int) (romproto.Port, error) {
	return nil, errNoPort{}
}

type errNoPort struct{}

func (errNoPort) Error() string { return "no such port" }

func newTestRegistry() *Registry {
	return New(failingOpener{}, identitycache.New(), eventbus.New())
}

func TestPreferredPortPrefersCUOverTTY(t *testing.T) {
	if got := preferredPort("/dev/cu.usbserial-1", "/dev/tty.usbserial-1"); got != "/dev/cu.usbserial-1" {
		t.Errorf("got %q, want cu.* preferred", got)
	}
	if got := preferredPort("/dev/tty.usbserial-1", "/dev/cu.usbserial-1"); got != "/dev/cu.usbserial-1" {
		t.Errorf("got %q, want cu.* preferred regardless of arg order", got)
	}
}

func TestPreferredPortFallsBackToLexicographic(t *testing.T) {
	if got := preferredPort("/dev/ttyUSB1", "/dev/ttyUSB0"); got != "/dev/ttyUSB0" {
		t.Errorf("got %q, want /dev/ttyUSB0", got)
	}
}

func TestDedupPortsMergesBySerialNumber(t *testing.T) {
	ports := []serialport.Info{
		{Path: "/dev/tty.usbserial-1", SerialNumber: "ABC123"},
		{Path: "/dev/cu.usbserial-1", SerialNumber: "ABC123"},
		{Path: "/dev/ttyUSB0", SerialNumber: "XYZ789"},
	}
	out := dedupPorts(ports)
	if len(out) != 2 {
		t.Fatalf("got %d ports after dedup, want 2", len(out))
	}
	var sawCU, sawOther bool
	for _, p := range out {
		if p.Path == "/dev/cu.usbserial-1" {
			sawCU = true
		}
		if p.Path == "/dev/ttyUSB0" {
			sawOther = true
		}
	}
	if !sawCU || !sawOther {
		t.Errorf("unexpected dedup result: %+v", out)
	}
}

func TestDedupPortsKeepsDistinctPathsWithNoIdentity(t *testing.T) {
	ports := []serialport.Info{{Path: "/dev/ttyUSB0"}, {Path: "/dev/ttyUSB1"}}
	out := dedupPorts(ports)
	if len(out) != 2 {
		t.Fatalf("got %d, want 2 (no shared identity to dedup on)", len(out))
	}
}

func TestLeaseAndRelease(t *testing.T) {
	r := newTestRegistry()
	const id = "board_IDdeadbeefdeadbeef"
	r.boards[id] = &boardEntry{board: board.ConnectedBoard{BoardID: id, Status: board.StatusAvailable}}

	if err := r.Lease(id, board.StatusFlashing); err != nil {
		t.Fatalf("Lease: %v", err)
	}
	b, _ := r.Get(id)
	if b.Status != board.StatusFlashing {
		t.Errorf("status = %v, want Flashing", b.Status)
	}

	if err := r.Lease(id, board.StatusFlashing); err == nil {
		t.Fatal("expected BoardBusy leasing an already-leased board")
	}

	r.Release(id, true, "")
	b, _ = r.Get(id)
	if b.Status != board.StatusAvailable {
		t.Errorf("status after release = %v, want Available", b.Status)
	}
}

func TestLeaseUnknownBoard(t *testing.T) {
	r := newTestRegistry()
	if err := r.Lease("board_does_not_exist", board.StatusFlashing); err == nil {
		t.Fatal("expected error leasing unknown board")
	}
}

func TestReleaseMarksError(t *testing.T) {
	r := newTestRegistry()
	const id = "board_IDdeadbeefdeadbeef"
	r.boards[id] = &boardEntry{board: board.ConnectedBoard{BoardID: id, Status: board.StatusFlashing}}
	r.Release(id, false, "write failed")
	b, _ := r.Get(id)
	if b.Status != board.StatusError || b.StatusMessage != "write failed" {
		t.Errorf("got %+v, want Error/\"write failed\"", b)
	}
}

func TestScanAddsAndEvictsBoards(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	r.identifyAndUpsert(ctx, serialport.Info{Path: "/dev/ttyUSB0"})
	if len(r.List()) != 1 {
		t.Fatalf("got %d boards after one identifyAndUpsert, want 1", len(r.List()))
	}

	r.evictVanished(nil)
	if len(r.List()) != 0 {
		t.Fatalf("got %d boards after evictVanished([]), want 0", len(r.List()))
	}
}

func TestEvictVanishedSparesLeasedBoards(t *testing.T) {
	r := newTestRegistry()
	const id = "board_IDdeadbeefdeadbeef"
	r.boards[id] = &boardEntry{board: board.ConnectedBoard{BoardID: id, Port: "/dev/ttyUSB0", Status: board.StatusFlashing}}
	r.byPort["/dev/ttyUSB0"] = id

	r.evictVanished(nil)
	if _, ok := r.Get(id); !ok {
		t.Fatal("a Flashing board must not be evicted when its port disappears")
	}
}

func TestJitteredIntervalStaysWithinBound(t *testing.T) {
	base := 30 * time.Second
	for i := 0; i < 50; i++ {
		d := jitteredInterval(base)
		if d < base || d > base+base/10 {
			t.Fatalf("jitteredInterval() = %v, want within [%v, %v]", d, base, base+base/10)
		}
	}
}
