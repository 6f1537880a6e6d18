// Package eventbus is an in-process typed broadcaster for discussion
// events: multiple subscribers, synchronous dispatch in subscription
// order, no back-pressure. Spec §4.6. Grounded on the teacher's
// orchestrator.ParallelSeed channel fan-out, generalized from a single
// internal consumer to an arbitrary set of external subscribers with an
// unsubscribe handle and panic-safe handler dispatch.
package eventbus

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"roundtable/internal/discussion"
)

// Handler receives one event. It must not block; the bus dispatches
// synchronously and a slow handler delays every other subscriber.
type Handler func(discussion.Event)

// Unsubscribe detaches the handler it was returned for. Safe to call
// more than once.
type Unsubscribe func()

// Bus fans a discussion's events out to every current subscriber.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]Handler
	nextID      int
	log         zerolog.Logger
}

// New returns an empty Bus logging through log.
func New(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[int]Handler),
		log:         log.With().Str("component", "eventbus").Logger(),
	}
}

// Subscribe registers handler and returns a func to detach it.
func (b *Bus) Subscribe(handler Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

// Publish dispatches event to every subscriber registered at the time
// of the call, in ascending subscription order. A handler that panics
// is caught and logged; it never reaches the caller.
func (b *Bus) Publish(event discussion.Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subscribers))
	ids := make([]int, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, b.subscribers[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(handler Handler, event discussion.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event_type", string(event.Type)).Msg("subscriber panicked")
		}
	}()
	handler(event)
}
