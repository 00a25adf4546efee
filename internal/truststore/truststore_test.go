package truststore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingResolver struct {
	mu      sync.Mutex
	lookups int
	inner   Resolver
}

func (r *countingResolver) Lookup(ctx context.Context, issuer, protocol string) (Anchor, error) {
	r.mu.Lock()
	r.lookups++
	r.mu.Unlock()
	return r.inner.Lookup(ctx, issuer, protocol)
}

func TestResolveCachesByIssuerAndProtocol(t *testing.T) {
	res := &countingResolver{inner: NewStaticResolver(
		Anchor{Issuer: "psp_123", Protocol: "ACP", Trusted: true},
	)}
	s := New(res, time.Hour, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		km, err := s.Resolve(context.Background(), "psp_123", "ACP")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !km.Trusted {
			t.Fatalf("km = %+v", km)
		}
	}
	if res.lookups != 1 {
		t.Fatalf("resolver lookups = %d, want 1 (cached)", res.lookups)
	}
}

func TestResolveUnknownIssuer(t *testing.T) {
	s := New(NewStaticResolver(), time.Hour, zap.NewNop().Sugar())
	if _, err := s.Resolve(context.Background(), "nobody", "ACP"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveInlineJWKS(t *testing.T) {
	// one EC P-256 public key
	jwks := `{"keys":[{"kty":"EC","crv":"P-256","kid":"k1",` +
		`"x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4",` +
		`"y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFyM"}]}`
	s := New(NewStaticResolver(
		Anchor{Issuer: "did:example:bank", Protocol: "AP2", JWKSJSON: jwks},
	), time.Hour, zap.NewNop().Sugar())

	km, err := s.Resolve(context.Background(), "did:example:bank", "AP2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if km.Keys == nil || km.Keys.Len() != 1 {
		t.Fatalf("keys = %v", km.Keys)
	}
}

func TestMultiResolverFirstHitWins(t *testing.T) {
	first := NewStaticResolver(Anchor{Issuer: "psp_a", Protocol: "ACP", SharedSecret: "from-first"})
	second := NewStaticResolver(
		Anchor{Issuer: "psp_a", Protocol: "ACP", SharedSecret: "from-second"},
		Anchor{Issuer: "psp_b", Protocol: "ACP", Trusted: true},
	)
	multi := NewMultiResolver(first, second)

	a, err := multi.Lookup(context.Background(), "psp_a", "ACP")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a.SharedSecret != "from-first" {
		t.Fatalf("secret = %q", a.SharedSecret)
	}
	a, err = multi.Lookup(context.Background(), "psp_b", "ACP")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !a.Trusted {
		t.Fatalf("anchor = %+v", a)
	}
	if _, err := multi.Lookup(context.Background(), "psp_c", "ACP"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anchors.yaml")
	doc := `anchors:
  - issuer: psp_123
    protocol: ACP
    shared_secret: topsecret
    detail_paths:
      merchant: credential.merchant_id
  - issuer: did:example:bank
    protocol: AP2
    jwks_url: https://bank.example/.well-known/jwks.json
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r, err := NewFileResolver(path)
	if err != nil {
		t.Fatalf("file resolver: %v", err)
	}
	a, err := r.Lookup(context.Background(), "psp_123", "ACP")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a.SharedSecret != "topsecret" || a.DetailPaths["merchant"] != "credential.merchant_id" {
		t.Fatalf("anchor = %+v", a)
	}
	a, err = r.Lookup(context.Background(), "did:example:bank", "AP2")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a.JWKSURL == "" {
		t.Fatalf("anchor = %+v", a)
	}
}
