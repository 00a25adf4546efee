package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"mandates/pkg/tenants"
)

func tenantEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := TenantFrom(r.Context())
		w.Write([]byte(t.ID))
	})
}

func TestWithTenantResolvesByHeaderThenHost(t *testing.T) {
	prov := tenants.NewMemoryProvider(zap.NewNop().Sugar(),
		tenants.Tenant{ID: "t1", Slug: "acme", Host: "acme.example"},
		tenants.Tenant{ID: "t2", Slug: "beta", Host: "beta.example"},
	)
	h := WithTenant(prov)(tenantEcho())

	req := httptest.NewRequest(http.MethodGet, "http://acme.example/v1/webhooks/acp", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Body.String() != "t1" {
		t.Fatalf("host resolution: got %q", rr.Body.String())
	}

	// explicit header wins over host
	req = httptest.NewRequest(http.MethodGet, "http://acme.example/v1/webhooks/acp", nil)
	req.Header.Set("X-Tenant-ID", "t2")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Body.String() != "t2" {
		t.Fatalf("header resolution: got %q", rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "http://nobody.example/v1/webhooks/acp", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown tenant: status %d, want 404", rr.Code)
	}
}

func TestWithTenantSkipsHealthAndMetrics(t *testing.T) {
	prov := tenants.NewMemoryProvider(zap.NewNop().Sugar())
	h := WithTenant(prov)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, "http://nobody.example"+path, nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d, want 200", path, rr.Code)
		}
	}
}
