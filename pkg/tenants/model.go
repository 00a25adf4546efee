package tenants

// Tenant represents a logical customer / account space. Every authorization,
// webhook and delivery row is partitioned by tenant id.
type Tenant struct {
	ID            string // uuid
	Slug          string // short name (acme)
	Host          string // primary host (mandates.acme.com)
	WebhookSecret string // HMAC secret inbound protocol callbacks are signed with
}
