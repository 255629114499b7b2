package events

import (
	"context"
	"sync"

	"vetdesk/internal/domain"
)

// Publisher emits case lifecycle events after committed transitions.
// Params: context and lifecycle event.
// Returns: publish error; callers log it and never roll back.
type Publisher interface {
	Publish(ctx context.Context, event domain.CaseEvent) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, domain.CaseEvent) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.CaseEvent
	err    error
}

// Publish appends event, or returns the configured failure.
func (r *Recorder) Publish(_ context.Context, event domain.CaseEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Close does nothing.
func (r *Recorder) Close() error { return nil }

// Fail makes subsequent publishes return err; nil restores success.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []domain.CaseEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CaseEvent(nil), r.events...)
}

// Types returns recorded event types in publish order.
func (r *Recorder) Types() []domain.CaseEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CaseEventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}
