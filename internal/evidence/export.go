// Package evidence assembles the audit bundle for one authorization: the
// stored credential, the verification verdict, the audit trail and every
// webhook delivery attempt.
package evidence

import (
	"context"
	"time"

	"mandates/internal/audit"
	"mandates/internal/authz"
	"mandates/internal/webhooks"
)

// Bundle is a point-in-time export of everything the engine holds about an
// authorization. raw_payload inside the authorization is the credential as
// originally presented.
type Bundle struct {
	Authorization *authz.Authorization `json:"authorization"`
	AuditEvents   []audit.Event        `json:"audit_events"`
	Deliveries    []*webhooks.Delivery `json:"deliveries"`
	ExportedAt    time.Time            `json:"exported_at"`
}

type Exporter struct {
	store    authz.Store
	audit    audit.Recorder
	webhooks webhooks.Store
	clock    func() time.Time
}

func NewExporter(store authz.Store, rec audit.Recorder, whs webhooks.Store) *Exporter {
	return &Exporter{store: store, audit: rec, webhooks: whs, clock: time.Now}
}

// Export collects the bundle. Soft-deleted records are not exportable; they
// are on their way out of retention.
func (e *Exporter) Export(ctx context.Context, tenantID, id string) (*Bundle, error) {
	a, err := e.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	events, err := e.audit.ListByAuthorization(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	deliveries, err := e.webhooks.ListDeliveriesByAuthorization(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Authorization: a,
		AuditEvents:   events,
		Deliveries:    deliveries,
		ExportedAt:    e.clock().UTC(),
	}, nil
}
