// internal/webhooks/postgres.go
package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	dbPool *pgxpool.Pool
}

func NewPostgresStore(dbPool *pgxpool.Pool) Store {
	return &pgStore{dbPool: dbPool}
}

// EnsureSchema creates webhook tables. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS webhooks (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL,
  name text NOT NULL DEFAULT '',
  url text NOT NULL,
  events text[] NOT NULL DEFAULT '{}',
  secret text NOT NULL DEFAULT '',
  is_active boolean NOT NULL DEFAULT true,
  max_retries int NOT NULL DEFAULT 3,
  retry_delay_seconds int NOT NULL DEFAULT 60,
  timeout_seconds int NOT NULL DEFAULT 10,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL,
  webhook_id uuid NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
  authorization_id uuid,
  event_type text NOT NULL,
  payload jsonb NOT NULL,
  status_code int,
  response_body text NOT NULL DEFAULT '',
  attempts int NOT NULL DEFAULT 0,
  delivered_at timestamptz,
  failed_at timestamptz,
  next_retry_at timestamptz,
  is_delivered boolean NOT NULL DEFAULT false,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS webhook_deliveries_due_idx
  ON webhook_deliveries(next_retry_at)
  WHERE is_delivered=false AND failed_at IS NULL;
CREATE TABLE IF NOT EXISTS processed_events (
  tenant_id uuid NOT NULL,
  event_id text NOT NULL,
  received_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (tenant_id, event_id)
);
`)
	return err
}

func (s *pgStore) CreateWebhook(ctx context.Context, w *Webhook) error {
	_, err := s.dbPool.Exec(ctx, `INSERT INTO webhooks
		(id, tenant_id, name, url, events, secret, is_active, max_retries, retry_delay_seconds, timeout_seconds, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, url=EXCLUDED.url, events=EXCLUDED.events,
		  secret=EXCLUDED.secret, is_active=EXCLUDED.is_active, max_retries=EXCLUDED.max_retries,
		  retry_delay_seconds=EXCLUDED.retry_delay_seconds, timeout_seconds=EXCLUDED.timeout_seconds, updated_at=NOW()`,
		w.ID, w.TenantID, w.Name, w.URL, w.Events, w.Secret, w.IsActive, w.MaxRetries, w.RetryDelaySeconds, w.TimeoutSeconds, w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *pgStore) GetWebhook(ctx context.Context, tenantID, id string) (*Webhook, error) {
	row := s.dbPool.QueryRow(ctx, `SELECT id, tenant_id, name, url, events, secret, is_active,
		max_retries, retry_delay_seconds, timeout_seconds, created_at, updated_at
		FROM webhooks WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWebhookNotFound
	}
	return w, err
}

func (s *pgStore) ListActiveByEvent(ctx context.Context, tenantID, eventType string) ([]*Webhook, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT id, tenant_id, name, url, events, secret, is_active,
		max_retries, retry_delay_seconds, timeout_seconds, created_at, updated_at
		FROM webhooks WHERE tenant_id=$1 AND is_active=true AND $2 = ANY(events)
		ORDER BY id`, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWebhook(row interface{ Scan(...any) error }) (*Webhook, error) {
	var w Webhook
	if err := row.Scan(&w.ID, &w.TenantID, &w.Name, &w.URL, &w.Events, &w.Secret, &w.IsActive,
		&w.MaxRetries, &w.RetryDelaySeconds, &w.TimeoutSeconds, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

const deliveryCols = `id, tenant_id, webhook_id, COALESCE(authorization_id::text,''), event_type, payload,
	COALESCE(status_code,0), response_body, attempts, delivered_at, failed_at, next_retry_at, is_delivered, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*Delivery, error) {
	var d Delivery
	if err := row.Scan(&d.ID, &d.TenantID, &d.WebhookID, &d.AuthorizationID, &d.EventType, &d.Payload,
		&d.StatusCode, &d.ResponseBody, &d.Attempts, &d.DeliveredAt, &d.FailedAt, &d.NextRetryAt, &d.IsDelivered, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *pgStore) CreateDelivery(ctx context.Context, d *Delivery) error {
	var authID any
	if d.AuthorizationID != "" {
		authID = d.AuthorizationID
	}
	_, err := s.dbPool.Exec(ctx, `INSERT INTO webhook_deliveries
		(id, tenant_id, webhook_id, authorization_id, event_type, payload, attempts, next_retry_at, is_delivered, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.TenantID, d.WebhookID, authID, d.EventType, d.Payload, d.Attempts, d.NextRetryAt, d.IsDelivered, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *pgStore) UpdateDelivery(ctx context.Context, d *Delivery) error {
	var code any
	if d.StatusCode != 0 {
		code = d.StatusCode
	}
	tag, err := s.dbPool.Exec(ctx, `UPDATE webhook_deliveries SET
		status_code=$2, response_body=$3, attempts=$4, delivered_at=$5, failed_at=$6,
		next_retry_at=$7, is_delivered=$8, updated_at=NOW()
		WHERE id=$1`,
		d.ID, code, d.ResponseBody, d.Attempts, d.DeliveredAt, d.FailedAt, d.NextRetryAt, d.IsDelivered)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// ClaimDue pushes next_retry_at forward by lease inside a SKIP LOCKED
// subselect, so multiple scheduler instances never claim the same row. The
// row lock lasts only for this statement; the send happens afterwards.
func (s *pgStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Delivery, error) {
	rows, err := s.dbPool.Query(ctx, `UPDATE webhook_deliveries SET next_retry_at=$2, updated_at=NOW()
		WHERE id IN (
		  SELECT id FROM webhook_deliveries
		  WHERE next_retry_at <= $1 AND is_delivered=false AND failed_at IS NULL
		  ORDER BY next_retry_at ASC
		  LIMIT $3
		  FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryCols, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgStore) ListDeliveriesByAuthorization(ctx context.Context, tenantID, authorizationID string) ([]*Delivery, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE tenant_id=$1 AND authorization_id=$2 ORDER BY created_at ASC`, tenantID, authorizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgStore) MarkEventProcessed(ctx context.Context, tenantID, eventID string) (bool, error) {
	tag, err := s.dbPool.Exec(ctx, `INSERT INTO processed_events(tenant_id, event_id)
		VALUES ($1,$2) ON CONFLICT DO NOTHING`, tenantID, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
