package truststore

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgResolver reads trust anchors from PostgreSQL. Anchors are global
// (issuer identity is not tenant-scoped; trust in an issuer is).
type pgResolver struct {
	dbPool *pgxpool.Pool
}

func NewPostgresResolver(dbPool *pgxpool.Pool) Resolver {
	return &pgResolver{dbPool: dbPool}
}

// EnsureSchema creates the trust_anchors table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS trust_anchors (
  issuer text NOT NULL,
  protocol text NOT NULL,
  jwks_url text NOT NULL DEFAULT '',
  jwks jsonb,
  shared_secret text NOT NULL DEFAULT '',
  trusted boolean NOT NULL DEFAULT false,
  detail_paths jsonb NOT NULL DEFAULT '{}'::jsonb,
  policy text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (issuer, protocol)
);
`)
	return err
}

func (r *pgResolver) Lookup(ctx context.Context, issuer, protocol string) (Anchor, error) {
	row := r.dbPool.QueryRow(ctx, `SELECT issuer, protocol, jwks_url, COALESCE(jwks::text,''), shared_secret, trusted, detail_paths, policy
		FROM trust_anchors WHERE issuer=$1 AND protocol=$2`, issuer, protocol)
	var a Anchor
	var pathsRaw []byte
	err := row.Scan(&a.Issuer, &a.Protocol, &a.JWKSURL, &a.JWKSJSON, &a.SharedSecret, &a.Trusted, &pathsRaw, &a.PolicyModule)
	if err == pgx.ErrNoRows {
		return Anchor{}, ErrNotFound
	}
	if err != nil {
		return Anchor{}, err
	}
	if len(pathsRaw) > 0 {
		_ = json.Unmarshal(pathsRaw, &a.DetailPaths)
	}
	return a, nil
}
