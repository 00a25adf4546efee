package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mandates/internal/audit"
	"mandates/internal/authz"
	"mandates/internal/trustpolicy"
	"mandates/internal/truststore"
	"mandates/pkg/middleware"
	"mandates/pkg/tenants"
)

const tenantSecret = "tenant-hmac-secret"

type inboundFixture struct {
	srv   *httptest.Server
	svc   *authz.Service
	store Store
	rec   audit.Recorder
}

func newInboundFixture(t *testing.T) *inboundFixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	trust := truststore.New(truststore.NewStaticResolver(
		truststore.Anchor{Issuer: "psp_123", Protocol: "ACP", Trusted: true},
	), time.Hour, log)
	verifier := authz.NewVerifier(trust, trustpolicy.New(log), time.Minute, 5*time.Second, log)

	fix := &inboundFixture{
		store: NewMemoryStore(),
		rec:   audit.NewMemoryRecorder(),
	}
	fix.svc = authz.NewService(authz.NewMemoryStore(), verifier, fix.rec, authz.NopSink(), log)

	prov := tenants.NewMemoryProvider(log, tenants.Tenant{
		ID: "t1", Slug: "acme", Host: "acme.example", WebhookSecret: tenantSecret,
	})
	r := chi.NewRouter()
	r.Use(middleware.WithTenant(prov))
	NewInboundHandler(fix.svc, fix.store, nil, log).Routes(r)
	fix.srv = httptest.NewServer(r)
	t.Cleanup(fix.srv.Close)
	return fix
}

func (fix *inboundFixture) createAuthorization(t *testing.T) *authz.Authorization {
	t.Helper()
	token := fmt.Sprintf(`{"psp_id":"psp_123","merchant_id":"merch_456","max_amount":"99.00","currency":"USD","expires_at":%q}`,
		time.Now().Add(24*time.Hour).Format(time.RFC3339))
	a, err := fix.svc.Create(context.Background(), "t1", authz.ACPCredential{Token: json.RawMessage(token)}, audit.System)
	if err != nil {
		t.Fatalf("create authorization: %v", err)
	}
	return a
}

func (fix *inboundFixture) post(t *testing.T, body []byte, sign bool) (*http.Response, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, fix.srv.URL+"/v1/webhooks/acp", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "t1")
	if sign {
		req.Header.Set(SignatureHeader, Sign(body, tenantSecret))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func envelope(eventID, eventType, tokenID string, extra map[string]any) []byte {
	data := map[string]any{"token_id": tokenID}
	for k, v := range extra {
		data[k] = v
	}
	b, _ := json.Marshal(Envelope{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	return b
}

func TestInboundRevokedAppliedOnce(t *testing.T) {
	fix := newInboundFixture(t)
	a := fix.createAuthorization(t)
	body := envelope("evt-1", "token.revoked", a.ID, map[string]any{"reason": "card stolen"})

	resp, out := fix.post(t, body, true)
	if resp.StatusCode != http.StatusOK || out["status"] != "processed" {
		t.Fatalf("first delivery: %d %v", resp.StatusCode, out)
	}
	got, err := fix.svc.Get(context.Background(), "t1", a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != authz.StatusRevoked || got.RevokeReason != "card stolen" {
		t.Fatalf("authorization = %+v", got)
	}

	// the PSP retries the same event: dedupe answers without reapplying
	resp, out = fix.post(t, body, true)
	if resp.StatusCode != http.StatusOK || out["status"] != "already_processed" {
		t.Fatalf("redelivery: %d %v", resp.StatusCode, out)
	}
	events, _ := fix.rec.ListByAuthorization(context.Background(), "t1", a.ID)
	revokes := 0
	for _, e := range events {
		if e.EventType == "authorization.revoked" {
			revokes++
		}
	}
	if revokes != 1 {
		t.Fatalf("revoked audit events = %d, want exactly 1", revokes)
	}
}

func TestInboundRevokedTwiceUpstreamStillProcessed(t *testing.T) {
	fix := newInboundFixture(t)
	a := fix.createAuthorization(t)

	if resp, out := fix.post(t, envelope("evt-1", "token.revoked", a.ID, nil), true); resp.StatusCode != http.StatusOK || out["status"] != "processed" {
		t.Fatalf("first: %d %v", resp.StatusCode, out)
	}
	// a distinct upstream event targeting an already revoked record is not a
	// failure from the PSP's point of view
	resp, out := fix.post(t, envelope("evt-2", "token.revoked", a.ID, nil), true)
	if resp.StatusCode != http.StatusOK || out["status"] != "processed" {
		t.Fatalf("second: %d %v", resp.StatusCode, out)
	}
}

func TestInboundUsedIsAuditOnly(t *testing.T) {
	fix := newInboundFixture(t)
	a := fix.createAuthorization(t)

	resp, out := fix.post(t, envelope("evt-9", "token.used", a.ID, map[string]any{"amount": "12.00"}), true)
	if resp.StatusCode != http.StatusOK || out["status"] != "processed" {
		t.Fatalf("used: %d %v", resp.StatusCode, out)
	}
	got, _ := fix.svc.Get(context.Background(), "t1", a.ID)
	if got.Status != authz.StatusActive {
		t.Fatalf("status = %s, usage must not transition", got.Status)
	}
	events, _ := fix.rec.ListByAuthorization(context.Background(), "t1", a.ID)
	used := 0
	for _, e := range events {
		if e.EventType == "authorization.used" {
			used++
		}
	}
	if used != 1 {
		t.Fatalf("used audit events = %d", used)
	}
}

func TestInboundUsedAfterRevokeIsAuditedNotTransitioned(t *testing.T) {
	fix := newInboundFixture(t)
	a := fix.createAuthorization(t)

	if resp, out := fix.post(t, envelope("evt-1", "token.revoked", a.ID, nil), true); resp.StatusCode != http.StatusOK || out["status"] != "processed" {
		t.Fatalf("revoke: %d %v", resp.StatusCode, out)
	}
	resp, out := fix.post(t, envelope("evt-2", "token.used", a.ID, map[string]any{"amount": "5.00"}), true)
	if resp.StatusCode != http.StatusOK || out["status"] != "processed" {
		t.Fatalf("used after revoke: %d %v", resp.StatusCode, out)
	}
	got, _ := fix.svc.Get(context.Background(), "t1", a.ID)
	if got.Status != authz.StatusRevoked {
		t.Fatalf("status = %s, want REVOKED", got.Status)
	}
	events, _ := fix.rec.ListByAuthorization(context.Background(), "t1", a.ID)
	used := 0
	for _, e := range events {
		if e.EventType == "authorization.used" {
			used++
		}
	}
	if used != 1 {
		t.Fatalf("used audit events = %d, want 1", used)
	}
}

func TestInboundRejectsBadSignature(t *testing.T) {
	fix := newInboundFixture(t)
	a := fix.createAuthorization(t)

	resp, _ := fix.post(t, envelope("evt-1", "token.revoked", a.ID, nil), false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	got, _ := fix.svc.Get(context.Background(), "t1", a.ID)
	if got.Status != authz.StatusActive {
		t.Fatalf("unsigned event was applied")
	}
}

func TestInboundUnknownToken(t *testing.T) {
	fix := newInboundFixture(t)
	resp, _ := fix.post(t, envelope("evt-1", "token.revoked", "11111111-1111-1111-1111-111111111111", nil), true)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestInboundMalformedEnvelope(t *testing.T) {
	fix := newInboundFixture(t)

	for name, body := range map[string][]byte{
		"not json":     []byte("nope"),
		"no event_id":  envelope("", "token.revoked", "x", nil),
		"no token_id":  envelope("evt-1", "token.revoked", "", nil),
		"unknown type": envelope("evt-1", "token.exploded", "x", nil),
	} {
		resp, _ := fix.post(t, body, true)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}
