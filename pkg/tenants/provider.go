package tenants

import (
	"context"
)

type Provider interface {
	// Resolve tenant from incoming host (or header).
	ResolveTenantByHost(ctx context.Context, host string) (Tenant, error)
	// Resolve from id (X-Tenant-ID header, worker lookups).
	ResolveTenantByID(ctx context.Context, id string) (Tenant, error)
}
