// Package bus fans bridge events out to in-process subscribers. The event
// gateway subscribes one handler per WebSocket client; the maintenance
// sweeper publishes health censuses alongside the lifecycle controller's
// status stream.
package bus

import (
	"sync"
	"time"
)

// Event is one bridge occurrence: a status transition, a fresh pairing code,
// an inbound message, a health census. Kind names come from pkg/protocol;
// Payload is the matching protocol payload struct.
type Event struct {
	Kind    string
	Payload any
	At      time.Time
}

// Handler receives published events. Handlers must not block; slow
// consumers buffer or drop on their own side.
type Handler func(Event)

// Bus is a process-local publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]Handler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = h
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Publish delivers the event to every subscriber on the caller's goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subscribers {
		h(ev)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
