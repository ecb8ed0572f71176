package orchestrator

import (
	"sync"

	"github.com/drape/core/internal/domain"
)

// EventKind discriminates the four shapes a session's event stream can
// carry (§4.7, §6): a progress tick, the terminal ready event, the
// terminal error event, or the terminal cancelled event.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventReady    EventKind = "ready"
	EventError    EventKind = "error"
	EventCancelled EventKind = "cancelled"
)

// Envelope wraps exactly one populated payload, selected by Kind, so
// SSE handlers can marshal whichever field is set without a type switch
// leaking into internal/gateway.
type Envelope struct {
	Kind     EventKind
	Progress *domain.ProgressEvent
	Ready    *domain.ReadyEvent
	Error    *domain.ErrorEvent
}

// bus fans out one session's events to any number of SSE subscribers.
// Subscribers that fall behind are dropped rather than blocking the
// orchestrator goroutine — a slow client must never stall a preview.
type bus struct {
	mu   sync.Mutex
	subs map[chan Envelope]struct{}
}

func newBus() *bus {
	return &bus{subs: make(map[chan Envelope]struct{})}
}

func (b *bus) subscribe() chan Envelope {
	ch := make(chan Envelope, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *bus) unsubscribe(ch chan Envelope) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *bus) publish(e Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop the event rather than block.
		}
	}
}

func (b *bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
