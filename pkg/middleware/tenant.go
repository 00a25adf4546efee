// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"net/http"
	"strings"

	"mandates/pkg/tenants"
)

type ctxTenantKey struct{}

// WithTenant resolves the tenant for the request and stores it in context.
// PSP callbacks address the tenant explicitly via X-Tenant-ID; everything
// else falls back to host-based resolution.
func WithTenant(prov tenants.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow health/metrics without tenant context
			switch r.URL.Path {
			case "/healthz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			var t tenants.Tenant
			var err error
			if id := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); id != "" {
				t, err = prov.ResolveTenantByID(r.Context(), id)
			} else {
				host := r.Host
				if i := strings.Index(host, ":"); i > 0 {
					host = host[:i]
				}
				t, err = prov.ResolveTenantByHost(r.Context(), host)
			}
			if err != nil {
				http.Error(w, "unknown tenant", http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), ctxTenantKey{}, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func TenantFrom(ctx context.Context) tenants.Tenant {
	if v := ctx.Value(ctxTenantKey{}); v != nil {
		return v.(tenants.Tenant)
	}
	return tenants.Tenant{}
}
