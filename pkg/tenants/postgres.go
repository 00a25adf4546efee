// pkg/tenants/postgres.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgProvider implements Provider backed by PostgreSQL.
type pgProvider struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresProvider constructs a PostgreSQL-backed tenant provider.
func NewPostgresProvider(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Provider {
	return &pgProvider{dbPool: dbPool, log: log}
}

// EnsureSchema creates the tenants table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  slug text UNIQUE,
  host text UNIQUE,
  webhook_secret text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
ALTER TABLE tenants ADD COLUMN IF NOT EXISTS webhook_secret text NOT NULL DEFAULT '';
`)
	return err
}

// SeedFromEnv ingests initial tenant data.
// jsonSeed format (TENANT_SEED_JSON):
// [{"id":"...","slug":"...","host":"...","webhook_secret":"..."}]
func SeedFromEnv(ctx context.Context, dbPool *pgxpool.Pool, jsonSeed string) error {
	if jsonSeed == "" {
		return nil
	}
	var entries []struct {
		ID            string `json:"id"`
		Slug          string `json:"slug"`
		Host          string `json:"host"`
		WebhookSecret string `json:"webhook_secret"`
	}
	if err := json.Unmarshal([]byte(jsonSeed), &entries); err != nil {
		return err
	}
	for _, entry := range entries {
		_, err := dbPool.Exec(ctx, `INSERT INTO tenants(id,slug,host,webhook_secret)
		  VALUES ($1,$2,$3,$4)
		  ON CONFLICT (id) DO UPDATE SET slug=EXCLUDED.slug,host=EXCLUDED.host,webhook_secret=EXCLUDED.webhook_secret,updated_at=NOW()`,
			entry.ID, entry.Slug, entry.Host, entry.WebhookSecret)
		if err != nil {
			return err
		}
	}
	return nil
}

// ResolveTenantByHost fetches a tenant using its host value.
func (p *pgProvider) ResolveTenantByHost(ctx context.Context, host string) (Tenant, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT id,slug,COALESCE(host,''),webhook_secret FROM tenants WHERE host=$1`, host)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Slug, &t.Host, &t.WebhookSecret); err != nil {
		return Tenant{}, errors.New("tenant not found")
	}
	return t, nil
}

// ResolveTenantByID fetches a tenant by its UUID.
func (p *pgProvider) ResolveTenantByID(ctx context.Context, id string) (Tenant, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT id,slug,COALESCE(host,''),webhook_secret FROM tenants WHERE id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Slug, &t.Host, &t.WebhookSecret); err != nil {
		return Tenant{}, errors.New("tenant not found")
	}
	return t, nil
}
