// Package events fans escrow state changes out to observers. Emission is
// fire-and-forget: a failing sink never affects the operation that emitted.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"pifp/escrow-backend/internal/projects"
)

// Type names an escrow event
type Type string

const (
	TypeInitialized       Type = "initialized"
	TypeProjectRegistered Type = "project_registered"
	TypeDeposit           Type = "deposit"
	TypeRoleGranted       Type = "role_granted"
	TypeRoleRevoked       Type = "role_revoked"
	TypeFundsReleased     Type = "funds_released"
	TypeProjectExpired    Type = "project_expired"
	TypeRefundClaimed     Type = "refund_claimed"
	TypeStatusChanged     Type = "status_changed"
)

// Event is one committed state change
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       Type                   `json:"type"`
	ProjectID  *projects.ID           `json:"project_id,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// New builds an event with a fresh id
func New(t Type, actor string, at time.Time, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		Actor:      actor,
		Data:       data,
		OccurredAt: at,
	}
}

// ForProject returns a copy of e tagged with a project id
func (e Event) ForProject(id projects.ID) Event {
	e.ProjectID = &id
	return e
}

// Sink receives committed events
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards everything
var Nop Sink = SinkFunc(func(context.Context, Event) {})

type multi []Sink

// Multi emits to every sink in order
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

// Recorder keeps emitted events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists recorded event types in emission order
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
