// Package monitor implements live serial-console monitor sessions
// (spec.md §4.7, C7): one session per board, fanning its serial output
// out to any number of WebSocket subscribers with a bounded,
// drop-oldest buffer, reaped once no keepalive has arrived within the
// keepalive timeout, whether or not it still has subscribers.
//
// The line-reassembly loop (read into a small buffer, split on '\n',
// track a partial line across reads) is grounded on mos/console.go's
// "Serial -> Stdout" goroutine; the session registry and broadcast
// fan-out generalize mos/ui.go's wsClients map/mutex/broadcast trio from
// one global set of websocket connections to one bounded-buffer set per
// board.
package monitor

import (
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
	"github.com/espbrew/espbrew/internal/eventbus"
)

// DefaultKeepaliveTimeout is how long a session survives without a
// keepalive (a WS ping/frame or an explicit POST .../keepalive) before
// it is stopped and its port closed, per spec.md §4.7. Kept independent
// of registry.DefaultScanInterval (SPEC_FULL.md open-question
// decision). A var, not a const, so tests can shrink it to exercise the
// reaper without a real 60s wait.
var DefaultKeepaliveTimeout = 60 * time.Second

// broadcastBuf is the per-subscriber line buffer depth; a subscriber
// that falls behind by more than this many lines receives a LagEvent and
// has its oldest buffered lines dropped rather than stall the session's
// read loop (spec.md §4.7).
const broadcastBuf = 256

// LagEvent is delivered on a subscriber's channel in place of the lines
// that had to be dropped to keep up.
type LagEvent struct {
	DroppedLines int
}

// Line is one line of serial output (or a LagEvent) delivered to a
// subscriber.
type Line struct {
	Text string
	Lag  *LagEvent
}

// Port is the minimal serial transport a session reads from; satisfied
// by the same cesanta/go-serial-backed port type the flash engine and
// board identifier use.
type Port interface {
	io.ReadWriteCloser
}

type subscriber struct {
	ch chan Line
}

// Session owns one board's serial connection and fans its output out to
// subscribers.
type Session struct {
	ID        string
	BoardID   string
	Port      string
	Baud      int
	startedAt time.Time

	mu            sync.Mutex
	port          Port
	subs          map[int]*subscriber
	nextSubID     int
	lastKeepalive time.Time
	stopped       bool
	stopCh        chan struct{}
}

// Manager owns all active sessions, at most one per board (spec.md
// §4.7: "starting a monitor on a board that already has one stops the
// existing session first").
type Manager struct {
	mu       sync.Mutex
	byBoard  map[string]*Session
	byID     map[string]*Session
	bus      *eventbus.Bus
}

func NewManager(bus *eventbus.Bus) *Manager {
	return &Manager{
		byBoard: make(map[string]*Session),
		byID:    make(map[string]*Session),
		bus:     bus,
	}
}

// Start opens a new monitor session for boardID over port, stopping any
// pre-existing session for that board first.
func (m *Manager) Start(boardID, portPath string, baud int, port Port) *Session {
	m.mu.Lock()
	if existing, ok := m.byBoard[boardID]; ok {
		m.mu.Unlock()
		existing.Stop()
		m.mu.Lock()
	}

	s := &Session{
		ID:            uuid.NewString(),
		BoardID:       boardID,
		Port:          portPath,
		Baud:          baud,
		startedAt:     time.Now(),
		port:          port,
		subs:          make(map[int]*subscriber),
		lastKeepalive: time.Now(),
		stopCh:        make(chan struct{}),
	}
	m.byBoard[boardID] = s
	m.byID[s.ID] = s
	m.mu.Unlock()

	go s.readLoop()
	go s.keepaliveReaper(m)

	m.bus.Publish(eventbus.Event{Kind: eventbus.KindMonitorStarted, BoardID: boardID, SessionID: s.ID})
	glog.Infof("monitor: started session %s for board %s on %s", s.ID, boardID, portPath)
	return s
}

// Get returns the session for a board, if any.
func (m *Manager) Get(boardID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byBoard[boardID]
	return s, ok
}

// GetByID returns a session by its session ID.
func (m *Manager) GetByID(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Summaries lists every live session for the status API.
func (m *Manager) Summaries() []board.MonitorSessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]board.MonitorSessionSummary, 0, len(m.byID))
	for _, s := range m.byID {
		s.mu.Lock()
		out = append(out, board.MonitorSessionSummary{
			ID:            s.ID,
			BoardID:       s.BoardID,
			Port:          s.Port,
			Baud:          s.Baud,
			StartedAt:     s.startedAt,
			LastKeepalive: s.lastKeepalive,
		})
		s.mu.Unlock()
	}
	return out
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byBoard[s.BoardID]; ok && cur == s {
		delete(m.byBoard, s.BoardID)
	}
	delete(m.byID, s.ID)
}

// Touch records a keepalive (e.g. a WebSocket ping) so the reaper does
// not stop the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastKeepalive = time.Now()
	s.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its line channel plus
// an unsubscribe func.
func (s *Session) Subscribe() (<-chan Line, func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{ch: make(chan Line, broadcastBuf)}
	s.subs[id] = sub
	s.lastKeepalive = time.Now()
	s.mu.Unlock()

	return sub.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subs[id]; ok {
			close(cur.ch)
			delete(s.subs, id)
		}
	}
}

// Write sends user input to the board's serial port, per spec.md §4.7's
// bidirectional monitor requirement.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	p := s.port
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return espbrewerr.New(espbrewerr.KindSessionExpired, "session "+s.ID+" is stopped")
	}
	_, err := p.Write(data)
	return err
}

// Stop closes the underlying port and terminates the session; safe to
// call multiple times.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	_ = s.port.Close()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}

func (s *Session) broadcast(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- Line{Text: line}:
		default:
			// Subscriber is behind: drop its oldest buffered line to make
			// room, then deliver a LagEvent in its place (spec.md §4.7).
			// The LagEvent counts the dropped line and this one, which is
			// not delivered.
			dropped := 1
			select {
			case old := <-sub.ch:
				if old.Lag != nil {
					dropped += old.Lag.DroppedLines
				} else {
					dropped++
				}
			default:
			}
			select {
			case sub.ch <- Line{Lag: &LagEvent{DroppedLines: dropped}}:
			default:
			}
			glog.V(2).Infof("monitor: subscriber %d on session %s is lagging", id, s.ID)
		}
	}
}

// readLoop is the "Serial -> subscribers" side, grounded on
// mos/console.go's Serial->Stdout goroutine: read into a small buffer,
// split on newlines, broadcast each complete line; a trailing partial
// line is held until its newline arrives.
func (s *Session) readLoop() {
	buf := make([]byte, 256)
	var partial []byte
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			glog.Infof("monitor: session %s: read error, stopping: %v", s.ID, err)
			s.Stop()
			return
		}
		if n == 0 {
			continue
		}
		partial = append(partial, buf[:n]...)
		for {
			idx := indexByte(partial, '\n')
			if idx < 0 {
				break
			}
			line := string(partial[:idx+1])
			partial = partial[idx+1:]
			s.broadcast(line)
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// keepaliveReaper stops the session once last_keepalive is older than
// DefaultKeepaliveTimeout, regardless of whether it still has
// subscribers (spec.md §4.7: "Sessions with last_keepalive older than
// 60s are reaped"; scenario S6 in §8 expects this to close a live,
// silent WebSocket connection, not just an unsubscribed session).
func (s *Session) keepaliveReaper(m *Manager) {
	ticker := time.NewTicker(DefaultKeepaliveTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastKeepalive) > DefaultKeepaliveTimeout
			s.mu.Unlock()
			if idle {
				glog.Infof("monitor: session %s idle past keepalive timeout, stopping", s.ID)
				m.remove(s)
				s.Stop()
				m.bus.Publish(eventbus.Event{Kind: eventbus.KindMonitorStopped, BoardID: s.BoardID, SessionID: s.ID})
				return
			}
		case <-s.stopCh:
			m.remove(s)
			m.bus.Publish(eventbus.Event{Kind: eventbus.KindMonitorStopped, BoardID: s.BoardID, SessionID: s.ID})
			return
		}
	}
}
