// Package webhooks delivers at-least-once signed notifications of
// lifecycle/verification events to subscribed endpoints and accepts inbound
// protocol callbacks.
package webhooks

import (
	"encoding/json"
	"time"
)

// Webhook is a tenant's subscription: which events to receive, where, and
// the retry/timeout budget for deliveries.
type Webhook struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	Events            []string  `json:"events"`
	Secret            string    `json:"secret"`
	IsActive          bool      `json:"is_active"`
	MaxRetries        int       `json:"max_retries"`
	RetryDelaySeconds int       `json:"retry_delay_seconds"`
	TimeoutSeconds    int       `json:"timeout_seconds"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Subscribed reports whether the webhook wants this event type.
func (w *Webhook) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Delivery tracks one webhook's copy of one event. Rows are never deleted;
// they form the delivery audit trail.
type Delivery struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	WebhookID       string          `json:"webhook_id"`
	AuthorizationID string          `json:"authorization_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	StatusCode      int             `json:"status_code,omitempty"`
	ResponseBody    string          `json:"response_body,omitempty"`
	Attempts        int             `json:"attempts"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	FailedAt        *time.Time      `json:"failed_at,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	IsDelivered     bool            `json:"is_delivered"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Envelope is the wire format, both outbound and inbound:
// {event_id, event_type, timestamp, data}. event_id is stable per logical
// event so receivers can deduplicate.
type Envelope struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}
