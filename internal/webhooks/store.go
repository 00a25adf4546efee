package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrWebhookNotFound = errors.New("webhook not found")
var ErrDeliveryNotFound = errors.New("delivery not found")

// Store is the persistence port for subscriptions, deliveries and the
// inbound dedupe ledger.
type Store interface {
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, tenantID, id string) (*Webhook, error)
	// ListActiveByEvent returns active webhooks of the tenant subscribed to
	// the event type.
	ListActiveByEvent(ctx context.Context, tenantID, eventType string) ([]*Webhook, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	UpdateDelivery(ctx context.Context, d *Delivery) error
	// ClaimDue atomically claims deliveries due at now by pushing their
	// next_retry_at forward by lease, so concurrent scheduler instances
	// never send the same delivery twice. No lock is held after return.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error)
	ListDeliveriesByAuthorization(ctx context.Context, tenantID, authorizationID string) ([]*Delivery, error)

	// MarkEventProcessed records an inbound event_id; returns false when the
	// event was seen before (the caller answers already_processed).
	MarkEventProcessed(ctx context.Context, tenantID, eventID string) (bool, error)
}

// SeedFromEnv ingests initial webhook subscriptions.
// jsonSeed format (WEBHOOK_SEED_JSON):
// [{"tenant_id":"...","name":"...","url":"...","events":["authorization.revoked"],"secret":"..."}]
func SeedFromEnv(ctx context.Context, store Store, jsonSeed string, defaults Defaults) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []struct {
		ID                string   `json:"id"`
		TenantID          string   `json:"tenant_id"`
		Name              string   `json:"name"`
		URL               string   `json:"url"`
		Events            []string `json:"events"`
		Secret            string   `json:"secret"`
		MaxRetries        int      `json:"max_retries"`
		RetryDelaySeconds int      `json:"retry_delay_seconds"`
		TimeoutSeconds    int      `json:"timeout_seconds"`
	}
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, e := range entries {
		w := &Webhook{
			ID: e.ID, TenantID: e.TenantID, Name: e.Name, URL: e.URL,
			Events: e.Events, Secret: e.Secret, IsActive: true,
			MaxRetries: e.MaxRetries, RetryDelaySeconds: e.RetryDelaySeconds, TimeoutSeconds: e.TimeoutSeconds,
			CreatedAt: now, UpdatedAt: now,
		}
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		defaults.apply(w)
		if err := store.CreateWebhook(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// memStore is the in-memory Store (dev, tests).
type memStore struct {
	mu         sync.Mutex
	webhooks   map[string]*Webhook // key: tenantID|id
	deliveries map[string]*Delivery
	processed  map[string]struct{} // key: tenantID|eventID
}

func NewMemoryStore() Store {
	return &memStore{
		webhooks:   map[string]*Webhook{},
		deliveries: map[string]*Delivery{},
		processed:  map[string]struct{}{},
	}
}

func (s *memStore) CreateWebhook(_ context.Context, w *Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.webhooks[w.TenantID+"|"+w.ID] = &cp
	return nil
}

func (s *memStore) GetWebhook(_ context.Context, tenantID, id string) (*Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.webhooks[tenantID+"|"+id]; ok {
		cp := *w
		return &cp, nil
	}
	return nil, ErrWebhookNotFound
}

func (s *memStore) ListActiveByEvent(_ context.Context, tenantID, eventType string) ([]*Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Webhook
	for _, w := range s.webhooks {
		if w.TenantID == tenantID && w.IsActive && w.Subscribed(eventType) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CreateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *memStore) UpdateDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		return ErrDeliveryNotFound
	}
	cp := *d
	cp.UpdatedAt = time.Now().UTC()
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *memStore) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if d.IsDelivered || d.FailedAt != nil || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		cp := *d
		next := now.Add(lease)
		d.NextRetryAt = &next
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) ListDeliveriesByAuthorization(_ context.Context, tenantID, authorizationID string) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.deliveries {
		if d.TenantID == tenantID && d.AuthorizationID == authorizationID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) MarkEventProcessed(_ context.Context, tenantID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + "|" + eventID
	if _, ok := s.processed[key]; ok {
		return false, nil
	}
	s.processed[key] = struct{}{}
	return true, nil
}
