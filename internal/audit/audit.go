// Package audit is the append-only event log the core writes as a side
// effect of every verification verdict and lifecycle transition. Events are
// never mutated or deleted here.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actor identifies who (or what) caused an event.
type Actor struct {
	ID        string `json:"id"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// System is the actor for worker-driven transitions (sweeps, schedulers).
var System = Actor{ID: "system"}

type Event struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	AuthorizationID string         `json:"authorization_id,omitempty"`
	EventType       string         `json:"event_type"`
	Description     string         `json:"description,omitempty"`
	Actor           Actor          `json:"actor"`
	EventData       map[string]any `json:"event_data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

type Recorder interface {
	// Record appends one event. Callers treat failures as fire-and-forget
	// but must log them; events are never silently dropped.
	Record(ctx context.Context, e Event) error
	// ListByAuthorization returns events for one authorization, oldest first.
	ListByAuthorization(ctx context.Context, tenantID, authorizationID string) ([]Event, error)
}

// NewEvent fills id/timestamp; the caller sets the rest.
func NewEvent(tenantID, authorizationID, eventType, description string, actor Actor, data map[string]any) Event {
	return Event{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		AuthorizationID: authorizationID,
		EventType:       eventType,
		Description:     description,
		Actor:           actor,
		EventData:       data,
		CreatedAt:       time.Now().UTC(),
	}
}

// memRecorder keeps events in memory (dev, tests).
type memRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() Recorder {
	return &memRecorder{}
}

func (r *memRecorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *memRecorder) ListByAuthorization(_ context.Context, tenantID, authorizationID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.TenantID == tenantID && e.AuthorizationID == authorizationID {
			out = append(out, e)
		}
	}
	return out, nil
}
