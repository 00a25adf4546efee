// Package truststore resolves issuer key material for credential
// verification. Lookups go through a TTL cache keyed by issuer+protocol;
// the cache is never invalidated by business logic.
package truststore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("issuer not in truststore")

// Anchor is the stored trust configuration for one issuer+protocol.
type Anchor struct {
	Issuer       string            `yaml:"issuer"`
	Protocol     string            `yaml:"protocol"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSJSON     string            `yaml:"jwks"`          // inline JWKS document
	SharedSecret string            `yaml:"shared_secret"` // ACP HMAC key
	Trusted      bool              `yaml:"trusted"`       // pre-established PSP trust
	DetailPaths  map[string]string `yaml:"detail_paths"`  // name -> jmespath over the credential
	PolicyModule string            `yaml:"policy"`        // optional rego module source
}

// KeyMaterial is the resolved, verification-ready form of an anchor.
type KeyMaterial struct {
	Issuer       string
	Protocol     string
	Keys         jwk.Set
	SharedSecret string
	Trusted      bool
	DetailPaths  map[string]string
	PolicyModule string
}

// Resolver supplies raw anchors; the Store turns them into key material.
type Resolver interface {
	Lookup(ctx context.Context, issuer, protocol string) (Anchor, error)
}

type cachedMaterial struct {
	km      KeyMaterial
	expires time.Time
}

// Store caches resolved key material with a TTL (same shape as a JWKS
// cache: read-lock fast path, double-checked fill under write lock).
type Store struct {
	mu       sync.RWMutex
	entries  map[string]cachedMaterial
	resolver Resolver
	ttl      time.Duration
	log      *zap.SugaredLogger
}

func New(resolver Resolver, ttl time.Duration, log *zap.SugaredLogger) *Store {
	return &Store{entries: map[string]cachedMaterial{}, resolver: resolver, ttl: ttl, log: log}
}

// Resolve returns key material for issuer+protocol, filling the cache on
// miss. Remote JWKS fetches happen inside the fill and inherit ctx's
// deadline.
func (s *Store) Resolve(ctx context.Context, issuer, protocol string) (KeyMaterial, error) {
	key := issuer + "|" + protocol
	s.mu.RLock()
	if e, ok := s.entries[key]; ok && time.Now().Before(e.expires) {
		s.mu.RUnlock()
		return e.km, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && time.Now().Before(e.expires) {
		return e.km, nil
	}
	anchor, err := s.resolver.Lookup(ctx, issuer, protocol)
	if err != nil {
		return KeyMaterial{}, err
	}
	km := KeyMaterial{
		Issuer:       anchor.Issuer,
		Protocol:     anchor.Protocol,
		SharedSecret: anchor.SharedSecret,
		Trusted:      anchor.Trusted,
		DetailPaths:  anchor.DetailPaths,
		PolicyModule: anchor.PolicyModule,
	}
	switch {
	case anchor.JWKSJSON != "":
		set, perr := jwk.Parse([]byte(anchor.JWKSJSON))
		if perr != nil {
			return KeyMaterial{}, fmt.Errorf("parse inline jwks for %s: %w", issuer, perr)
		}
		km.Keys = set
	case anchor.JWKSURL != "":
		set, ferr := jwk.Fetch(ctx, anchor.JWKSURL)
		if ferr != nil {
			return KeyMaterial{}, fmt.Errorf("fetch jwks for %s: %w", issuer, ferr)
		}
		km.Keys = set
	}
	s.entries[key] = cachedMaterial{km: km, expires: time.Now().Add(s.ttl)}
	return km, nil
}

// staticResolver serves a fixed anchor list (tests, dev seeds).
type staticResolver struct {
	anchors map[string]Anchor
}

func NewStaticResolver(anchors ...Anchor) Resolver {
	m := make(map[string]Anchor, len(anchors))
	for _, a := range anchors {
		m[a.Issuer+"|"+a.Protocol] = a
	}
	return &staticResolver{anchors: m}
}

func (r *staticResolver) Lookup(_ context.Context, issuer, protocol string) (Anchor, error) {
	if a, ok := r.anchors[issuer+"|"+protocol]; ok {
		return a, nil
	}
	return Anchor{}, ErrNotFound
}

// multiResolver tries each resolver in order; the first hit wins.
type multiResolver struct {
	chain []Resolver
}

func NewMultiResolver(rs ...Resolver) Resolver {
	return &multiResolver{chain: rs}
}

func (r *multiResolver) Lookup(ctx context.Context, issuer, protocol string) (Anchor, error) {
	for _, res := range r.chain {
		a, err := res.Lookup(ctx, issuer, protocol)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Anchor{}, err
		}
	}
	return Anchor{}, ErrNotFound
}
