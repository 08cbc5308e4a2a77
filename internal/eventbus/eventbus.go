// Package eventbus is the in-process publish/subscribe bus that lets the
// HTTP/WebSocket surface (C8) and the CLI's live-status views observe
// what the registry, flash orchestrator and remote client are doing
// (spec.md §4.9). Grounded on mos/ui.go's wsClients map/mutex/broadcast
// trio, generalized from one fixed message shape to a typed Event and
// from unconditional delivery to the drop-tolerant semantics spec.md
// requires ("a slow subscriber must never block a board scan or a
// flash").
package eventbus

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// Kind identifies the category of an Event, per spec.md §4.9's event
// table.
type Kind int

const (
	KindBuildOutput Kind = iota
	KindBuildFinished
	KindActionFinished
	KindFlashProgress
	KindMonitorStarted
	KindMonitorLog
	KindMonitorStopped
	KindRemoteBoardsFetched
	KindRemoteBoardsFailed
	KindServerDiscoveryStarted
	KindServerDiscoveryCompleted
	KindServerDiscoveryFailed
	KindTick
)

func (k Kind) String() string {
	switch k {
	case KindBuildOutput:
		return "BuildOutput"
	case KindBuildFinished:
		return "BuildFinished"
	case KindActionFinished:
		return "ActionFinished"
	case KindFlashProgress:
		return "FlashProgress"
	case KindMonitorStarted:
		return "MonitorStarted"
	case KindMonitorLog:
		return "MonitorLog"
	case KindMonitorStopped:
		return "MonitorStopped"
	case KindRemoteBoardsFetched:
		return "RemoteBoardsFetched"
	case KindRemoteBoardsFailed:
		return "RemoteBoardsFailed"
	case KindServerDiscoveryStarted:
		return "ServerDiscoveryStarted"
	case KindServerDiscoveryCompleted:
		return "ServerDiscoveryCompleted"
	case KindServerDiscoveryFailed:
		return "ServerDiscoveryFailed"
	case KindTick:
		return "Tick"
	default:
		return "Unknown"
	}
}

// Event is one bus message. BoardID and SessionID are empty when not
// applicable to Kind. Data carries the kind-specific payload (a
// board.Progress, a log line, an error string, ...).
type Event struct {
	Kind      Kind
	Time      time.Time
	BoardID   string
	SessionID string
	Data      interface{}
}

// subscriberBuf is the per-subscriber channel depth. Tick fires at ~4Hz
// (spec.md §4.9) so this covers several seconds of a fully stalled
// consumer before events start dropping.
const subscriberBuf = 64

// Bus fans Publish calls out to every live Subscribe channel. The zero
// value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and an unsubscribe func. The
// caller must call unsubscribe when done, or the channel (and its
// goroutine-side backpressure) leaks for the life of the Bus.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuf)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			close(ch)
			delete(b.subs, id)
		}
	}
	return ch, unsubscribe
}

// Publish delivers ev to every current subscriber, never blocking: a
// subscriber whose channel is full has the event dropped, exactly the
// trade-off spec.md makes for monitor broadcast (C7) and generalized here
// to the whole bus.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			glog.V(2).Infof("eventbus: dropping %s event for slow subscriber %d", ev.Kind, id)
		}
	}
}

// SubscriberCount reports the current number of live subscribers, used
// by the HTTP surface's /api/v1/status endpoint.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// StartTicker publishes a KindTick event at the given interval until stop
// is closed, driving the ~4Hz UI refresh cadence from spec.md §4.9.
func (b *Bus) StartTicker(interval time.Duration, stop <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				b.Publish(Event{Kind: KindTick})
			case <-stop:
				return
			}
		}
	}()
}
