package engine

import (
	"sync"
	"time"
)

// EventKind identifies a lifecycle event on the bus.
type EventKind string

const (
	EventEnvironmentCreated EventKind = "environment.created"
	EventEnvironmentStopped EventKind = "environment.stopped"
	EventExecutionStarted   EventKind = "execution.started"
	EventExecutionFinished  EventKind = "execution.finished"
)

// Event is a lifecycle notification. Stopped events carry the reason the
// environment went away; finished events carry the terminal status.
type Event struct {
	Kind   EventKind
	EnvID  string
	ExecID string
	Reason string
	Status ExecStatus
	At     time.Time
}

// Bus fans lifecycle events out to subscribers. Handlers run synchronously
// on the publisher's goroutine, so they must not block; anything slow hands
// off to its own worker.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber in registration order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
