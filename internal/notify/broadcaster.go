// Package notify fans registration events out to observers.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

const defaultBuffer = 16

// Broadcaster delivers every published Event to all current subscribers.
// Publish never blocks: a full subscriber loses its oldest event.
type Broadcaster struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// Subscription is a single observer's event stream.
type Subscription struct {
	id      uint64
	ch      chan registration.Event
	b       *Broadcaster
	closed  atomic.Bool
	dropped atomic.Uint64
}

// New creates a broadcaster whose subscriber channels hold buffer events.
// A non-positive buffer uses the default.
func New(logger *slog.Logger, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		logger: logger.With("component", "notify"),
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id: b.nextID,
		ch: make(chan registration.Event, b.buffer),
		b:  b,
	}
	b.subs[s.id] = s
	return s
}

// Publish implements registration.Notifier.
func (b *Broadcaster) Publish(event registration.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		s.deliver(event, b.logger)
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// C exposes the event channel. It is closed by Close.
func (s *Subscription) C() <-chan registration.Event {
	return s.ch
}

// Dropped reports how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	delete(s.b.subs, s.id)
	close(s.ch)
}

// deliver is called with the broadcaster lock held, so it never races Close.
func (s *Subscription) deliver(event registration.Event, logger *slog.Logger) {
	select {
	case s.ch <- event:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
		logger.Warn("Dropped oldest event for slow subscriber", "subscriber", s.id)
	default:
	}

	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
	}
}
