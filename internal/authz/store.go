package authz

import (
	"context"
	"time"
)

// Store is the persistence port for authorizations. Implementations must
// serialize concurrent Transition calls on the same id (single-row
// transaction or equivalent) and must exclude soft-deleted rows from Get
// and ListExpirable.
type Store interface {
	Create(ctx context.Context, a *Authorization) error
	Get(ctx context.Context, tenantID, id string) (*Authorization, error)

	// Transition loads the row under an exclusive claim, applies fn and
	// persists the result. fn returning errNoChange makes it a no-op:
	// (current, false, nil). No lock is held across network calls.
	Transition(ctx context.Context, tenantID, id string, fn func(*Authorization) error) (*Authorization, bool, error)

	// ListExpirable returns non-terminal, non-deleted rows with
	// expires_at <= now, across tenants.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Authorization, error)

	// PurgeDeleted physically removes soft-deleted rows whose retention
	// window has elapsed. Returns the number purged.
	PurgeDeleted(ctx context.Context, now time.Time) (int, error)
}
