// Package dispatch is a typed publish/subscribe layer between the session
// store and UI-facing consumers. Events are a signal, state is the truth:
// consumers that subscribe late derive correct behavior by reading the
// store's current snapshot, never by reconstructing it from payloads.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/heistsync/internal/protocol"
)

// Handler receives one event and its decoded payload. Handlers run
// synchronously, in subscription order, on the emitting goroutine.
type Handler func(event protocol.Event, payload interface{})

// Subscription identifies a registered handler for removal.
type Subscription struct {
	kind protocol.EventType
	id   uint64
}

type entry struct {
	id      uint64
	handler Handler
}

// Bus fans out events by kind. A panicking handler is isolated and logged;
// the remaining handlers for the same event still run.
type Bus struct {
	mu       sync.RWMutex
	handlers map[protocol.EventType][]entry
	nextID   uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[protocol.EventType][]entry)}
}

// On registers a handler for one event kind and returns its subscription.
func (b *Bus) On(kind protocol.EventType, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], entry{id: b.nextID, handler: h})
	return Subscription{kind: kind, id: b.nextID}
}

// Off removes a previously registered handler. Removing twice is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			b.handlers[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit dispatches the event to every subscribed handler before returning.
func (b *Bus) Emit(event protocol.Event, payload interface{}) {
	b.mu.RLock()
	entries := b.handlers[event.Type]
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	b.mu.RUnlock()

	for _, e := range snapshot {
		b.dispatch(e, event, payload)
	}
}

func (b *Bus) dispatch(e entry, event protocol.Event, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("type", string(event.Type)).
				Interface("panic", r).
				Msg("event handler panicked, continuing with remaining handlers")
		}
	}()
	e.handler(event, payload)
}
