// Package testutil provides fakes and helpers shared by the engine's tests.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/erp/datasync/internal/domain/shared"
)

// EventRecorder is a bus handler that keeps every event it sees.
type EventRecorder struct {
	mu      sync.Mutex
	handled []shared.SyncEvent
	err     error
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{handled: make([]shared.SyncEvent, 0)}
}

// Handle records the event. Subscribe with r.Handle.
func (r *EventRecorder) Handle(_ context.Context, event shared.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, event)
	return r.err
}

// Handled returns a copy of the recorded events.
func (r *EventRecorder) Handled() []shared.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]shared.SyncEvent, len(r.handled))
	copy(result, r.handled)
	return result
}

// HandledCount returns the number of recorded events.
func (r *EventRecorder) HandledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

// Mutations decodes every recorded event as a mutation payload.
func (r *EventRecorder) Mutations(t *testing.T) []shared.MutationPayload {
	t.Helper()
	events := r.Handled()
	out := make([]shared.MutationPayload, 0, len(events))
	for _, e := range events {
		var p shared.MutationPayload
		if err := e.Decode(&p); err != nil {
			t.Fatalf("event %s is not a mutation: %v", e.ID, err)
		}
		out = append(out, p)
	}
	return out
}

// SetError sets the error returned from Handle.
func (r *EventRecorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Reset clears recorded events and the error.
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = make([]shared.SyncEvent, 0)
	r.err = nil
}
