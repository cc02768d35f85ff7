// Package bus is the in-process domain event bus. Handlers subscribe during
// startup; publishers fire and forget. Delivery is at-most-once per
// subscriber and handler errors are logged, never propagated back to the
// publisher.
package bus

import (
	"context"
	"log"
	"sync"
)

type EventType string

const (
	EventInterventionFinalized EventType = "InterventionFinalized"
)

// Event is an ephemeral notification. It is constructed at publish time and
// never persisted.
type Event struct {
	Type                  EventType
	InterventionFinalized *InterventionFinalized
}

// InterventionFinalized is published after a finalize commits.
type InterventionFinalized struct {
	InterventionID string `json:"intervention_id"`
	TaskID         string `json:"task_id"`
	TechnicianID   string `json:"technician_id"`
	CompletedAtMS  int64  `json:"completed_at_ms"`
}

// Handler processes events from the bus.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []EventType

	// Handle processes a single event. Returning an error logs a warning but
	// never reaches the publisher.
	Handle(ctx context.Context, event *Event) error
}

// Bus dispatches events to registered handlers. The registry is written at
// startup and read at publish time.
type Bus struct {
	handlers []Handler
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe adds a handler to the bus.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish schedules delivery to every matching handler and returns
// immediately. Each handler runs on its own goroutine.
func (b *Bus) Publish(event *Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			if err := h.Handle(context.Background(), event); err != nil {
				log.Printf("bus: handler %q error for %s: %v", h.ID(), event.Type, err)
			}
		}(h)
	}
}

// Wait blocks until every in-flight delivery has finished. Used by shutdown
// and by tests that need to observe handler side effects.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Handlers returns the registered handlers, for status reporting.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	return matched
}
