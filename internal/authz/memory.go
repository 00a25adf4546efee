// internal/authz/memory.go
package authz

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is the in-memory Store used when DATABASE_URL is not set and in
// tests. Transition serializes on a single mutex, which gives the same
// per-row exclusivity the postgres store gets from row locks.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*Authorization // key: tenantID|id
}

func NewMemoryStore() Store {
	return &memStore{rows: map[string]*Authorization{}}
}

func key(tenantID, id string) string { return tenantID + "|" + id }

func clone(a *Authorization) *Authorization {
	cp := *a
	if a.Scope != nil {
		cp.Scope = make(map[string]any, len(a.Scope))
		for k, v := range a.Scope {
			cp.Scope[k] = v
		}
	}
	if a.VerificationDetails != nil {
		cp.VerificationDetails = make(map[string]any, len(a.VerificationDetails))
		for k, v := range a.VerificationDetails {
			cp.VerificationDetails[k] = v
		}
	}
	cp.RawPayload = append([]byte(nil), a.RawPayload...)
	return &cp
}

func (s *memStore) Create(_ context.Context, a *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key(a.TenantID, a.ID)] = clone(a)
	return nil
}

func (s *memStore) Get(_ context.Context, tenantID, id string) (*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[key(tenantID, id)]
	if !ok || a.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (s *memStore) Transition(_ context.Context, tenantID, id string, fn func(*Authorization) error) (*Authorization, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[key(tenantID, id)]
	if !ok {
		return nil, false, ErrNotFound
	}
	next := clone(a)
	if err := fn(next); err != nil {
		if IsNoChange(err) {
			return clone(a), false, nil
		}
		return nil, false, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.rows[key(tenantID, id)] = next
	return clone(next), true, nil
}

func (s *memStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Authorization
	for _, a := range s.rows {
		if a.DeletedAt != nil || a.Terminal() || a.Status == StatusExpired {
			continue
		}
		if !a.ExpiresAt.After(now) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) PurgeDeleted(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for k, a := range s.rows {
		if a.DeletedAt == nil {
			continue
		}
		if a.DeletedAt.AddDate(0, 0, a.RetentionDays).After(now) {
			continue
		}
		delete(s.rows, k)
		count++
	}
	return count, nil
}
