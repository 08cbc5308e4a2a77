package monitor

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/espbrew/espbrew/internal/eventbus"
)

// fakePort is an in-memory Port backed by an io.Pipe, letting tests push
// serial "device output" and read back the session's "write to device"
// side independently of real hardware.
type fakePort struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	writes *bytes.Buffer
}

func newFakePort() (*fakePort, *io.PipeWriter) {
	r, w := io.Pipe()
	return &fakePort{r: r, writes: &bytes.Buffer{}}, w
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.writes.Write(b) }
func (p *fakePort) Close() error                { return p.r.Close() }

func TestSessionBroadcastsLines(t *testing.T) {
	port, deviceOut := newFakePort()
	m := NewManager(eventbus.New())
	s := m.Start("board_1", "/dev/ttyUSB0", 115200, port)
	defer s.Stop()

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	go func() {
		deviceOut.Write([]byte("hello\nworld\n"))
	}()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case line := <-ch:
			got[line.Text] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for line")
		}
	}
	if !got["hello\n"] || !got["world\n"] {
		t.Errorf("got %v, want hello/world lines", got)
	}
}

func TestSessionWriteGoesToPort(t *testing.T) {
	port, _ := newFakePort()
	m := NewManager(eventbus.New())
	s := m.Start("board_1", "/dev/ttyUSB0", 115200, port)
	defer s.Stop()

	if err := s.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if got := port.writes.String(); got != "ping" {
		t.Errorf("got %q written to port, want %q", got, "ping")
	}
}

func TestStartReplacesExistingSessionForSameBoard(t *testing.T) {
	port1, _ := newFakePort()
	port2, _ := newFakePort()
	m := NewManager(eventbus.New())

	s1 := m.Start("board_1", "/dev/ttyUSB0", 115200, port1)
	s2 := m.Start("board_1", "/dev/ttyUSB1", 115200, port2)
	defer s2.Stop()

	if s1.ID == s2.ID {
		t.Fatal("expected a new session ID when restarting monitor for the same board")
	}
	got, ok := m.Get("board_1")
	if !ok || got.ID != s2.ID {
		t.Errorf("Get(board_1) = %v, want the second session", got)
	}
}

func TestWriteAfterStopFails(t *testing.T) {
	port, _ := newFakePort()
	m := NewManager(eventbus.New())
	s := m.Start("board_1", "/dev/ttyUSB0", 115200, port)
	s.Stop()

	if err := s.Write([]byte("x")); err == nil {
		t.Fatal("expected error writing to a stopped session")
	}
}

// TestKeepaliveTimeoutReapsSessionWithActiveSubscriber is scenario S6
// (spec.md §8): a monitor session with a live subscriber that sends no
// keepalive for longer than DefaultKeepaliveTimeout must still be
// reaped, closing the subscriber's channel and removing the session
// from the manager.
func TestKeepaliveTimeoutReapsSessionWithActiveSubscriber(t *testing.T) {
	old := DefaultKeepaliveTimeout
	DefaultKeepaliveTimeout = 50 * time.Millisecond
	defer func() { DefaultKeepaliveTimeout = old }()

	port, _ := newFakePort()
	m := NewManager(eventbus.New())
	s := m.Start("board_1", "/dev/ttyUSB0", 115200, port)

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed once the session is reaped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session was not reaped within the keepalive timeout")
	}

	if _, stillThere := m.Get("board_1"); stillThere {
		t.Error("reaped session is still present in the manager")
	}
}

func TestSubscribeUnsubscribeClosesChannel(t *testing.T) {
	port, _ := newFakePort()
	m := NewManager(eventbus.New())
	s := m.Start("board_1", "/dev/ttyUSB0", 115200, port)
	defer s.Stop()

	ch, unsubscribe := s.Subscribe()
	unsubscribe()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
