// Package notify delivers backend change events to the client. Delivery
// is at-least-once with no ordering guarantee across tables; consumers
// must treat an event as "something changed, refetch" and never as
// authoritative row state.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/campuskit/livequery/types"
)

// Handler consumes a change event.
type Handler func(event types.ChangeEvent)

// Notifier is the push channel from the backend announcing that state
// matching some predicate has changed.
type Notifier interface {
	// Subscribe starts listening for change events.
	Subscribe(ctx context.Context) error

	// Publish publishes a change event.
	Publish(ctx context.Context, event types.ChangeEvent) error

	// OnEvent registers a handler for change events and returns an
	// unsubscribe func.
	OnEvent(handler Handler) func()

	// Close closes the notifier.
	Close() error
}

// Bus is an in-process Notifier. It backs single-process apps and
// tests; Publish fans out synchronously, so a test can publish an event
// and immediately assert on its consequences.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	closed   bool
}

// NewBus creates a new in-process notifier.
func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe is a no-op: the bus is always live.
func (b *Bus) Subscribe(ctx context.Context) error {
	return nil
}

// Publish delivers the event to every registered handler. Events
// without an ID get one assigned.
func (b *Bus) Publish(ctx context.Context, event types.ChangeEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrNotifierClosed
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	for _, h := range handlers {
		h(event)
	}
	return nil
}

// OnEvent registers a handler and returns its unsubscribe func.
func (b *Bus) OnEvent(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Close closes the bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]Handler)
	return nil
}
