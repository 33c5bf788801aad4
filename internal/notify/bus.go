package notify

import (
	"context"
	"sync"

	"github.com/juno-intents/cctp-bridge/internal/metrics"
)

const defaultBuffer = 256

// Bus fans events out to in-process subscribers. A subscriber whose buffer is
// full misses the event; consumers recover through store reconciliation.
type Bus struct {
	mu     sync.Mutex
	subs   map[*busSub]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*busSub]struct{})}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	if e.ID() == "" {
		return ErrInvalidEvent
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			metrics.NotifyDropped.Inc()
		}
	}
	return nil
}

// Subscribe registers a subscriber with the given buffer (<= 0 picks a default).
func (b *Bus) Subscribe(buffer int) Subscriber {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &busSub{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		s.done = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close closes every subscriber channel. Later publishes fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for s := range b.subs {
		s.done = true
		close(s.ch)
	}
	b.subs = nil
	return nil
}

type busSub struct {
	bus  *Bus
	ch   chan Event
	done bool // guarded by bus.mu
}

func (s *busSub) Events() <-chan Event { return s.ch }

func (s *busSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	delete(s.bus.subs, s)
	close(s.ch)
	return nil
}
