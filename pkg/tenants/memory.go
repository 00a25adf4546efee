// pkg/tenants/memory.go
package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"go.uber.org/zap"
)

type memProvider struct {
	log    *zap.SugaredLogger
	byHost map[string]Tenant
	byID   map[string]Tenant
}

// NewMemoryProvider builds a static in-memory provider, mainly for tests.
func NewMemoryProvider(log *zap.SugaredLogger, ts ...Tenant) Provider {
	p := &memProvider{log: log, byHost: map[string]Tenant{}, byID: map[string]Tenant{}}
	for _, t := range ts {
		p.add(t)
	}
	return p
}

// NewMemoryProviderFromEnv seeds tenants from TENANT_SEED_JSON, falling back
// to a single localhost dev tenant.
func NewMemoryProviderFromEnv(log *zap.SugaredLogger) Provider {
	p := &memProvider{log: log, byHost: map[string]Tenant{}, byID: map[string]Tenant{}}
	seed := os.Getenv("TENANT_SEED_JSON")
	if seed != "" {
		var entries []struct {
			ID            string `json:"id"`
			Slug          string `json:"slug"`
			Host          string `json:"host"`
			WebhookSecret string `json:"webhook_secret"`
		}
		_ = json.Unmarshal([]byte(seed), &entries)
		for _, e := range entries {
			p.add(Tenant{ID: e.ID, Slug: e.Slug, Host: e.Host, WebhookSecret: e.WebhookSecret})
		}
	} else {
		dev := Tenant{
			ID: "00000000-0000-0000-0000-000000000001", Slug: "dev",
			WebhookSecret: os.Getenv("DEV_WEBHOOK_SECRET"),
		}
		for _, h := range []string{"localhost", "127.0.0.1", "host.docker.internal"} {
			dd := dev
			dd.Host = h
			p.add(dd)
		}
	}
	return p
}

func (p *memProvider) add(t Tenant) {
	if t.Host != "" {
		p.byHost[t.Host] = t
	}
	if t.ID != "" {
		p.byID[t.ID] = t
	}
}

func (p *memProvider) ResolveTenantByHost(_ context.Context, host string) (Tenant, error) {
	if t, ok := p.byHost[host]; ok {
		return t, nil
	}
	return Tenant{}, errors.New("tenant not found")
}

func (p *memProvider) ResolveTenantByID(_ context.Context, id string) (Tenant, error) {
	if t, ok := p.byID[id]; ok {
		return t, nil
	}
	return Tenant{}, errors.New("tenant not found")
}
