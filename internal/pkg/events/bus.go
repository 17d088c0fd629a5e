/*
Package events provides a per-instance publish/subscribe dispatcher.

Every component of the messaging core emits typed events through a Bus, and
application code subscribes to them. A Bus is never shared globally; each
owning component constructs its own.
*/
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"msghd/internal/pkg/logx"
)

// Handler is a callback invoked with the event payload.
type Handler func(payload any)

// Subscription identifies a registered handler so it can be removed with Off.
type Subscription struct {
	event string
	id    uint64
}

type entry struct {
	id   uint64
	fn   Handler
	once bool
}

// Bus dispatches named events to registered handlers. It is safe for
// concurrent use. Handlers run synchronously on the emitting goroutine, in
// registration order; a panicking handler does not prevent delivery to the
// handlers registered after it.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]entry
	logger   zerolog.Logger
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]entry),
		logger:   logx.Logger().With().Str("component", "events").Logger(),
	}
}

// On registers fn for the given event and returns its Subscription.
func (b *Bus) On(event string, fn Handler) Subscription {
	return b.subscribe(event, fn, false)
}

// Once registers fn for the given event; the handler fires at most once and
// is then removed automatically.
func (b *Bus) Once(event string, fn Handler) Subscription {
	return b.subscribe(event, fn, true)
}

func (b *Bus) subscribe(event string, fn Handler, once bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[event] = append(b.handlers[event], entry{id: b.nextID, fn: fn, once: once})

	return Subscription{event: event, id: b.nextID}
}

// Off removes the handler identified by sub. Removing an unknown or already
// removed subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.handlers[sub.event]
	for i, e := range entries {
		if e.id == sub.id {
			b.handlers[sub.event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every handler registered for event. Handlers
// registered with Once are unregistered before invocation, so they fire at
// most once even when Emit is called concurrently.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()

	entries := b.handlers[event]
	toRun := make([]entry, 0, len(entries))
	remaining := entries[:0:0]

	for _, e := range entries {
		toRun = append(toRun, e)
		if !e.once {
			remaining = append(remaining, e)
		}
	}

	if len(remaining) != len(entries) {
		b.handlers[event] = remaining
	}

	b.mu.Unlock()

	for _, e := range toRun {
		b.invoke(event, e, payload)
	}
}

// invoke runs a single handler, recovering from panics so one broken
// subscriber cannot starve the rest.
func (b *Bus) invoke(event string, e entry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", event).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()

	e.fn(payload)
}
