package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"filmdesk/internal/bus"
)

type recordingHandler struct {
	id      string
	handles []bus.EventType
	err     error

	mu     sync.Mutex
	events []*bus.Event
}

func (h *recordingHandler) ID() string               { return h.id }
func (h *recordingHandler) Handles() []bus.EventType { return h.handles }

func (h *recordingHandler) Handle(_ context.Context, e *bus.Event) error {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHandler) seen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestPublishReachesMatchingHandlers(t *testing.T) {
	b := bus.New()
	matching := &recordingHandler{id: "a", handles: []bus.EventType{bus.EventInterventionFinalized}}
	other := &recordingHandler{id: "b", handles: []bus.EventType{"SomethingElse"}}
	b.Subscribe(matching)
	b.Subscribe(other)

	b.Publish(&bus.Event{
		Type: bus.EventInterventionFinalized,
		InterventionFinalized: &bus.InterventionFinalized{
			InterventionID: "iv-1",
			TaskID:         "t-1",
			TechnicianID:   "tech-1",
			CompletedAtMS:  1700000000000,
		},
	})
	b.Wait()

	assert.Equal(t, 1, matching.seen())
	assert.Equal(t, 0, other.seen())
	assert.Equal(t, "iv-1", matching.events[0].InterventionFinalized.InterventionID)
}

func TestHandlerErrorDoesNotPropagate(t *testing.T) {
	b := bus.New()
	failing := &recordingHandler{id: "boom", handles: []bus.EventType{bus.EventInterventionFinalized}, err: errors.New("boom")}
	b.Subscribe(failing)

	// Publish must not panic or surface the handler error.
	b.Publish(&bus.Event{Type: bus.EventInterventionFinalized, InterventionFinalized: &bus.InterventionFinalized{}})
	b.Wait()
	assert.Equal(t, 1, failing.seen())
}

func TestAtMostOncePerSubscriber(t *testing.T) {
	b := bus.New()
	h := &recordingHandler{id: "once", handles: []bus.EventType{bus.EventInterventionFinalized}}
	b.Subscribe(h)

	for i := 0; i < 3; i++ {
		b.Publish(&bus.Event{Type: bus.EventInterventionFinalized, InterventionFinalized: &bus.InterventionFinalized{}})
	}
	b.Wait()
	assert.Equal(t, 3, h.seen())
}

func TestPublishNilIsNoop(t *testing.T) {
	b := bus.New()
	h := &recordingHandler{id: "h", handles: []bus.EventType{bus.EventInterventionFinalized}}
	b.Subscribe(h)
	b.Publish(nil)
	b.Wait()
	assert.Equal(t, 0, h.seen())
}
