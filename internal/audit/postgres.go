package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRecorder struct {
	dbPool *pgxpool.Pool
}

func NewPostgresRecorder(dbPool *pgxpool.Pool) Recorder {
	return &pgRecorder{dbPool: dbPool}
}

// EnsureSchema creates the audit_events table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS audit_events (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL,
  authorization_id uuid,
  event_type text NOT NULL,
  description text NOT NULL DEFAULT '',
  actor text NOT NULL DEFAULT '',
  ip text NOT NULL DEFAULT '',
  user_agent text NOT NULL DEFAULT '',
  event_data jsonb NOT NULL DEFAULT '{}'::jsonb,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS audit_events_authorization_idx ON audit_events(tenant_id, authorization_id, created_at);
`)
	return err
}

func (r *pgRecorder) Record(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.EventData)
	if err != nil {
		return err
	}
	var authID any
	if e.AuthorizationID != "" {
		authID = e.AuthorizationID
	}
	_, err = r.dbPool.Exec(ctx, `INSERT INTO audit_events(id,tenant_id,authorization_id,event_type,description,actor,ip,user_agent,event_data,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.TenantID, authID, e.EventType, e.Description, e.Actor.ID, e.Actor.IP, e.Actor.UserAgent, data, e.CreatedAt)
	return err
}

func (r *pgRecorder) ListByAuthorization(ctx context.Context, tenantID, authorizationID string) ([]Event, error) {
	rows, err := r.dbPool.Query(ctx, `SELECT id,tenant_id,COALESCE(authorization_id::text,''),event_type,description,actor,ip,user_agent,event_data,created_at
		FROM audit_events WHERE tenant_id=$1 AND authorization_id=$2 ORDER BY created_at ASC`, tenantID, authorizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var dataRaw []byte
		var created time.Time
		if err := rows.Scan(&e.ID, &e.TenantID, &e.AuthorizationID, &e.EventType, &e.Description, &e.Actor.ID, &e.Actor.IP, &e.Actor.UserAgent, &dataRaw, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created
		if len(dataRaw) > 0 {
			_ = json.Unmarshal(dataRaw, &e.EventData)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
