package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mandates/internal/audit"
	"mandates/internal/trustpolicy"
	"mandates/internal/truststore"
)

type captureSink struct {
	mu     sync.Mutex
	events []string
}

func (c *captureSink) Emit(_ context.Context, _, eventType, _ string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func (c *captureSink) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type lifecycleFixture struct {
	svc      *Service
	store    Store
	recorder audit.Recorder
	sink     *captureSink
	now      time.Time
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	fix := &lifecycleFixture{
		store:    NewMemoryStore(),
		recorder: audit.NewMemoryRecorder(),
		sink:     &captureSink{},
		now:      time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fix.now }
	trust := truststore.New(truststore.NewStaticResolver(
		truststore.Anchor{Issuer: "psp_123", Protocol: "ACP", Trusted: true},
	), time.Hour, log)
	verifier := NewVerifier(trust, trustpolicy.New(log), time.Minute, 5*time.Second, log).WithClock(clock)
	fix.svc = NewService(fix.store, verifier, fix.recorder, fix.sink, log).WithClock(clock)
	return fix
}

func acpTokenExpiring(expires time.Time) ACPCredential {
	token := fmt.Sprintf(`{"psp_id":"psp_123","merchant_id":"merch_456","max_amount":"250.00","currency":"EUR","expires_at":%q}`,
		expires.Format(time.RFC3339))
	return ACPCredential{Token: json.RawMessage(token)}
}

func TestCreateActiveAndVerified(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()

	a, err := fix.svc.Create(ctx, "t1", acpTokenExpiring(fix.now.Add(time.Hour)), audit.Actor{ID: "user-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == "" {
		t.Fatalf("no id assigned")
	}
	if a.Status != StatusActive {
		t.Fatalf("status = %s", a.Status)
	}
	if a.VerificationStatus != VerificationVerified || a.VerificationReason != "trusted_psp" {
		t.Fatalf("verification = %s/%s", a.VerificationStatus, a.VerificationReason)
	}
	if a.VerifiedAt == nil || a.CreatedBy != "user-1" {
		t.Fatalf("verified_at/created_by not set")
	}

	events, err := fix.recorder.ListByAuthorization(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if fix.sink.count(EventCreated) != 1 || fix.sink.count(EventVerified) != 1 {
		t.Fatalf("sink events = %v", fix.sink.events)
	}
}

func TestCreateFailedVerificationStillStored(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()

	cred := ACPCredential{Token: json.RawMessage(
		`{"psp_id":"psp_unknown","merchant_id":"m","max_amount":"1.00","currency":"USD","expires_at":"2026-12-01T00:00:00Z"}`,
	)}
	a, err := fix.svc.Create(ctx, "t1", cred, audit.System)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.VerificationStatus != VerificationFailed || a.VerificationReason != "unknown_issuer" {
		t.Fatalf("verification = %s/%s", a.VerificationStatus, a.VerificationReason)
	}
	// the record exists regardless of the verdict
	if _, err := fix.svc.Get(ctx, "t1", a.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestCreateAlreadyExpired(t *testing.T) {
	fix := newLifecycleFixture(t)
	a, err := fix.svc.Create(context.Background(), "t1", acpTokenExpiring(fix.now.Add(-time.Hour)), audit.System)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Status != StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", a.Status)
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()
	a, err := fix.svc.Create(ctx, "t1", acpTokenExpiring(fix.now.Add(time.Hour)), audit.System)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	revoked, err := fix.svc.Revoke(ctx, "t1", a.ID, "user requested", audit.Actor{ID: "user-1"})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != StatusRevoked || revoked.RevokedAt == nil || revoked.RevokeReason != "user requested" {
		t.Fatalf("revoked = %+v", revoked)
	}
	firstRevokedAt := *revoked.RevokedAt

	fix.now = fix.now.Add(10 * time.Minute)
	if _, err := fix.svc.Revoke(ctx, "t1", a.ID, "again", audit.System); !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("second revoke: %v, want ErrAlreadyRevoked", err)
	}
	got, err := fix.svc.Get(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.RevokedAt.Equal(firstRevokedAt) || got.RevokeReason != "user requested" {
		t.Fatalf("revocation fields changed on failed second revoke: %+v", got)
	}
	if fix.sink.count(EventRevoked) != 1 {
		t.Fatalf("revoked events = %d, want 1", fix.sink.count(EventRevoked))
	}
}

func TestExpiredCanStillBeRevoked(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()
	a, _ := fix.svc.Create(ctx, "t1", acpTokenExpiring(fix.now.Add(time.Hour)), audit.System)

	fix.now = fix.now.Add(2 * time.Hour)
	if _, err := fix.svc.ExpireSweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := fix.svc.Get(ctx, "t1", a.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got.Status)
	}

	revoked, err := fix.svc.Revoke(ctx, "t1", a.ID, "cleanup", audit.System)
	if err != nil {
		t.Fatalf("revoke after expiry: %v", err)
	}
	if revoked.Status != StatusRevoked {
		t.Fatalf("status = %s", revoked.Status)
	}
}

func TestExpireSweepIdempotent(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()
	a, _ := fix.svc.Create(ctx, "t1", acpTokenExpiring(fix.now.Add(time.Hour)), audit.System)

	fix.now = fix.now.Add(2 * time.Hour)
	n, err := fix.svc.ExpireSweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("sweep transitions = %d, want 1", n)
	}

	n, err = fix.svc.ExpireSweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep transitions = %d, want 0", n)
	}
	if fix.sink.count(EventExpired) != 1 {
		t.Fatalf("expired events = %d, want exactly 1", fix.sink.count(EventExpired))
	}
	events, _ := fix.recorder.ListByAuthorization(ctx, "t1", a.ID)
	expiredAudits := 0
	for _, e := range events {
		if e.EventType == "authorization.expired" {
			expiredAudits++
		}
	}
	if expiredAudits != 1 {
		t.Fatalf("expired audit events = %d, want exactly 1", expiredAudits)
	}
}

func TestConcurrentRevokeAndSweep(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()
	a, _ := fix.svc.Create(ctx, "t1", acpTokenExpiring(fix.now.Add(time.Hour)), audit.System)
	fix.now = fix.now.Add(2 * time.Hour)

	// revocation and the expiry sweep hit the same record at once; whichever
	// commits second must observe the other's transition
	var wg sync.WaitGroup
	wg.Add(2)
	var revokeErr, sweepErr error
	go func() {
		defer wg.Done()
		_, revokeErr = fix.svc.Revoke(ctx, "t1", a.ID, "race", audit.System)
	}()
	go func() {
		defer wg.Done()
		_, sweepErr = fix.svc.ExpireSweep(ctx)
	}()
	wg.Wait()

	if revokeErr != nil {
		t.Fatalf("revoke: %v", revokeErr)
	}
	if sweepErr != nil {
		t.Fatalf("sweep: %v", sweepErr)
	}
	got, err := fix.svc.Get(ctx, "t1", a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusRevoked {
		t.Fatalf("status = %s, want REVOKED", got.Status)
	}
	if n := fix.sink.count(EventRevoked); n != 1 {
		t.Fatalf("revoked events = %d, want exactly 1", n)
	}
	if n := fix.sink.count(EventExpired); n > 1 {
		t.Fatalf("expired events = %d, want at most 1", n)
	}
	events, _ := fix.recorder.ListByAuthorization(ctx, "t1", a.ID)
	revokedAudits, expiredAudits := 0, 0
	for _, e := range events {
		switch e.EventType {
		case "authorization.revoked":
			revokedAudits++
		case "authorization.expired":
			expiredAudits++
		}
	}
	if revokedAudits != 1 || expiredAudits != fix.sink.count(EventExpired) {
		t.Fatalf("audit events revoked=%d expired=%d, sink expired=%d",
			revokedAudits, expiredAudits, fix.sink.count(EventExpired))
	}
}

func TestRecordUsage(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()
	a, _ := fix.svc.Create(ctx, "t1", acpTokenExpiring(fix.now.Add(time.Hour)), audit.System)

	if err := fix.svc.RecordUsage(ctx, "t1", a.ID, map[string]any{"amount": "10.00"}, audit.System); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	got, _ := fix.svc.Get(ctx, "t1", a.ID)
	if got.Status != StatusActive {
		t.Fatalf("usage must not change status, got %s", got.Status)
	}
	if fix.sink.count(EventUsed) != 1 {
		t.Fatalf("used events = %d", fix.sink.count(EventUsed))
	}
}

func TestSoftDeleteAndPurge(t *testing.T) {
	fix := newLifecycleFixture(t)
	ctx := context.Background()
	a, _ := fix.svc.Create(ctx, "t1", acpTokenExpiring(fix.now.Add(time.Hour)), audit.System)

	if err := fix.svc.SoftDelete(ctx, "t1", a.ID, audit.System); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := fix.svc.Get(ctx, "t1", a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: %v, want ErrNotFound", err)
	}
	// deleting again is a no-op
	if err := fix.svc.SoftDelete(ctx, "t1", a.ID, audit.System); err != nil {
		t.Fatalf("second soft delete: %v", err)
	}
	if fix.sink.count(EventDeleted) != 1 {
		t.Fatalf("deleted events = %d, want 1", fix.sink.count(EventDeleted))
	}

	n, err := fix.svc.PurgeDeleted(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Fatalf("purged %d rows inside the retention window", n)
	}

	fix.now = fix.now.AddDate(0, 0, 91)
	n, err = fix.svc.PurgeDeleted(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows after retention, want 1", n)
	}
}
