// internal/authz/postgres.go
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mandates/pkg/db"
)

type pgStore struct {
	dbPool *pgxpool.Pool
}

func NewPostgresStore(dbPool *pgxpool.Pool) Store {
	return &pgStore{dbPool: dbPool}
}

// EnsureSchema creates the authorizations table. Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS authorizations (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL,
  protocol text NOT NULL,
  issuer text NOT NULL,
  subject text NOT NULL,
  scope jsonb NOT NULL DEFAULT '{}'::jsonb,
  amount_limit numeric(18,2) NOT NULL DEFAULT 0,
  currency text NOT NULL DEFAULT '',
  expires_at timestamptz NOT NULL,
  status text NOT NULL,
  raw_payload jsonb NOT NULL,
  verification_status text NOT NULL,
  verification_reason text NOT NULL DEFAULT '',
  verification_details jsonb NOT NULL DEFAULT '{}'::jsonb,
  verified_at timestamptz,
  retention_days int NOT NULL DEFAULT 90,
  deleted_at timestamptz,
  revoked_at timestamptz,
  revoke_reason text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  created_by text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS authorizations_tenant_idx ON authorizations(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS authorizations_expiry_idx ON authorizations(status, expires_at) WHERE deleted_at IS NULL;
`)
	return err
}

const authzCols = `id, tenant_id, protocol, issuer, subject, scope, amount_limit::text, currency,
	expires_at, status, raw_payload, verification_status, verification_reason, verification_details,
	verified_at, retention_days, deleted_at, revoked_at, revoke_reason, created_at, updated_at, created_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (*Authorization, error) {
	var a Authorization
	var scopeRaw, detailsRaw []byte
	var amountStr string
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.Protocol, &a.Issuer, &a.Subject, &scopeRaw, &amountStr, &a.AmountLimit.Currency,
		&a.ExpiresAt, &a.Status, &a.RawPayload, &a.VerificationStatus, &a.VerificationReason, &detailsRaw,
		&a.VerifiedAt, &a.RetentionDays, &a.DeletedAt, &a.RevokedAt, &a.RevokeReason, &a.CreatedAt, &a.UpdatedAt, &a.CreatedBy,
	); err != nil {
		return nil, err
	}
	if amount, err := ParseDecimal(amountStr); err == nil {
		a.AmountLimit.Amount = amount
	}
	if len(scopeRaw) > 0 {
		_ = json.Unmarshal(scopeRaw, &a.Scope)
	}
	if len(detailsRaw) > 0 {
		_ = json.Unmarshal(detailsRaw, &a.VerificationDetails)
	}
	return &a, nil
}

func (s *pgStore) Create(ctx context.Context, a *Authorization) error {
	scope, _ := json.Marshal(a.Scope)
	details, _ := json.Marshal(a.VerificationDetails)
	if a.VerificationDetails == nil {
		details = []byte(`{}`)
	}
	_, err := s.dbPool.Exec(ctx, `INSERT INTO authorizations
		(id, tenant_id, protocol, issuer, subject, scope, amount_limit, currency, expires_at, status,
		 raw_payload, verification_status, verification_reason, verification_details, verified_at,
		 retention_days, created_at, updated_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.TenantID, string(a.Protocol), a.Issuer, a.Subject, scope, a.AmountLimit.Decimal(), a.AmountLimit.Currency,
		a.ExpiresAt, string(a.Status), a.RawPayload, string(a.VerificationStatus), a.VerificationReason, details,
		a.VerifiedAt, a.RetentionDays, a.CreatedAt, a.UpdatedAt, a.CreatedBy)
	return err
}

func (s *pgStore) Get(ctx context.Context, tenantID, id string) (*Authorization, error) {
	row := s.dbPool.QueryRow(ctx, `SELECT `+authzCols+` FROM authorizations
		WHERE tenant_id=$1 AND id=$2 AND deleted_at IS NULL`, tenantID, id)
	a, err := scanAuthorization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Transition claims the row with a single-row transaction (SELECT ... FOR
// UPDATE), applies fn, writes the result and commits. The lock is held only
// for the local write; never across network calls.
func (s *pgStore) Transition(ctx context.Context, tenantID, id string, fn func(*Authorization) error) (*Authorization, bool, error) {
	tx, err := db.BeginTxWithTenant(ctx, s.dbPool, tenantID)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+authzCols+` FROM authorizations
		WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	a, err := scanAuthorization(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, err
	}

	if err := fn(a); err != nil {
		if IsNoChange(err) {
			return a, false, nil
		}
		return nil, false, err
	}
	a.UpdatedAt = time.Now().UTC()

	details, _ := json.Marshal(a.VerificationDetails)
	if a.VerificationDetails == nil {
		details = []byte(`{}`)
	}
	_, err = tx.Exec(ctx, `UPDATE authorizations SET
		status=$3, verification_status=$4, verification_reason=$5, verification_details=$6,
		verified_at=$7, deleted_at=$8, revoked_at=$9, revoke_reason=$10, updated_at=$11
		WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, string(a.Status), string(a.VerificationStatus), a.VerificationReason, details,
		a.VerifiedAt, a.DeletedAt, a.RevokedAt, a.RevokeReason, a.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (s *pgStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Authorization, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT `+authzCols+` FROM authorizations
		WHERE status=$1 AND expires_at <= $2 AND deleted_at IS NULL
		ORDER BY expires_at ASC LIMIT $3`, string(StatusActive), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *pgStore) PurgeDeleted(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.dbPool.Exec(ctx, `DELETE FROM authorizations
		WHERE deleted_at IS NOT NULL
		  AND deleted_at + make_interval(days => retention_days) <= $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
