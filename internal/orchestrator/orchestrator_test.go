package orchestrator

import (
	"context"
	"testing"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/eventbus"
	"github.com/espbrew/espbrew/internal/identitycache"
	"github.com/espbrew/espbrew/internal/monitor"
	"github.com/espbrew/espbrew/internal/registry"
	"github.com/espbrew/espbrew/internal/romproto"
)

type alwaysFailOpener struct{}

func (alwaysFailOpener) OpenForFlash(path string, baud int) (romproto.Port, error) {
	return nil, errOpenFailed{}
}

type errOpenFailed struct{}

func (errOpenFailed) Error() string { return "open failed" }

type noBoardIDOpener struct{}

func (noBoardIDOpener) Open(path string, baud int) (romproto.Port, error) { return nil, errOpenFailed{} }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg := registry.New(noBoardIDOpener{}, identitycache.New(), eventbus.New())
	mon := monitor.NewManager(eventbus.New())
	bus := eventbus.New()
	return New(reg, mon, bus, alwaysFailOpener{}), reg
}

func TestFlashFailsForUnknownBoard(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	err := orch.Flash(context.Background(), "board_does_not_exist", &board.Plan{})
	if err == nil {
		t.Fatal("expected error for unknown board")
	}
	if espbrewerr.KindOf(err) != espbrewerr.KindPortNotFound {
		t.Errorf("KindOf(err) = %v, want KindPortNotFound", espbrewerr.KindOf(err))
	}
}

func TestFlashReleasesLeaseOnOpenFailure(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	reg.SeedForTest("board_1", board.ConnectedBoard{BoardID: "board_1", Port: "/dev/ttyUSB0", Status: board.StatusAvailable})

	err := orch.Flash(context.Background(), "board_1", &board.Plan{Segments: []board.Segment{{Offset: 0, Bytes: []byte{1}, Name: "app"}}})
	if err == nil {
		t.Fatal("expected error when the port cannot be opened")
	}

	b, _ := reg.Get("board_1")
	if b.Status != board.StatusError {
		t.Errorf("status after failed flash = %v, want Error", b.Status)
	}
}

func TestFlashBoardBusyWhenAlreadyLeased(t *testing.T) {
	orch, reg := newTestOrchestrator(t)
	reg.SeedForTest("board_1", board.ConnectedBoard{BoardID: "board_1", Port: "/dev/ttyUSB0", Status: board.StatusFlashing})

	err := orch.Flash(context.Background(), "board_1", &board.Plan{})
	if espbrewerr.KindOf(err) != espbrewerr.KindBoardBusy {
		t.Errorf("KindOf(err) = %v, want KindBoardBusy", espbrewerr.KindOf(err))
	}
}
