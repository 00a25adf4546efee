// cmd/mandate-service/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mandates/internal/audit"
	"mandates/internal/authz"
	"mandates/internal/obs"
	"mandates/internal/trustpolicy"
	"mandates/internal/truststore"
	"mandates/internal/webhooks"
	"mandates/pkg/config"
	"mandates/pkg/db"
	"mandates/pkg/logger"
	"mandates/pkg/middleware"
	"mandates/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	obs.Init()

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	ctx := context.Background()

	var prov tenants.Provider
	var authzStore authz.Store
	var whStore webhooks.Store
	var recorder audit.Recorder
	var anchorResolvers []truststore.Resolver

	if pool != nil {
		if err := tenants.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("tenants schema", "err", err)
		}
		if err := authz.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("authz schema", "err", err)
		}
		if err := webhooks.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("webhooks schema", "err", err)
		}
		if err := audit.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("audit schema", "err", err)
		}
		if err := truststore.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("truststore schema", "err", err)
		}
		if err := tenants.SeedFromEnv(ctx, pool, os.Getenv("TENANT_SEED_JSON")); err != nil {
			log.Warnw("tenant seed", "err", err)
		}
		prov = tenants.NewPostgresProvider(pool, log)
		authzStore = authz.NewPostgresStore(pool)
		whStore = webhooks.NewPostgresStore(pool)
		recorder = audit.NewPostgresRecorder(pool)
		anchorResolvers = append(anchorResolvers, truststore.NewPostgresResolver(pool))
	} else {
		prov = tenants.NewMemoryProviderFromEnv(log)
		authzStore = authz.NewMemoryStore()
		whStore = webhooks.NewMemoryStore()
		recorder = audit.NewMemoryRecorder()
	}

	if cfg.TrustAnchorsFile != "" {
		fr, err := truststore.NewFileResolver(cfg.TrustAnchorsFile)
		if err != nil {
			log.Fatalw("trust anchors file", "path", cfg.TrustAnchorsFile, "err", err)
		}
		anchorResolvers = append(anchorResolvers, fr)
	}
	var resolver truststore.Resolver
	switch len(anchorResolvers) {
	case 0:
		log.Warnw("no trust anchors configured; every credential will fail verification")
		resolver = truststore.NewEmptyResolver()
	case 1:
		resolver = anchorResolvers[0]
	default:
		resolver = truststore.NewMultiResolver(anchorResolvers...)
	}
	trust := truststore.New(resolver, cfg.TruststoreTTL, log)

	defaults := webhooks.Defaults{
		MaxRetries:        cfg.DefaultMaxRetries,
		RetryDelaySeconds: cfg.DefaultRetryDelaySecs,
		TimeoutSeconds:    cfg.DefaultTimeoutSecs,
	}
	if err := webhooks.SeedFromEnv(ctx, whStore, os.Getenv("WEBHOOK_SEED_JSON"), defaults); err != nil {
		log.Warnw("webhook seed", "err", err)
	}

	verifier := authz.NewVerifier(trust, trustpolicy.New(log), cfg.ClockSkew, cfg.TruststoreTimeout, log)
	dispatcher := webhooks.NewDispatcher(whStore, recorder, log, defaults)
	svc := authz.NewService(authzStore, verifier, recorder, dispatcher, log)
	inbound := webhooks.NewInboundHandler(svc, whStore, rdb, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Use(middleware.WithTenant(prov))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	inbound.Routes(r)

	sched := webhooks.NewScheduler(log)
	sched.Add(webhooks.Worker{
		Name:     "delivery-retry",
		Interval: cfg.RetryScanInterval,
		Jitter:   cfg.WorkerJitterFactor,
		Run: func(ctx context.Context) {
			if n := dispatcher.ProcessDue(ctx, 100); n > 0 {
				log.Infow("deliveries processed", "count", n)
			}
		},
	})
	sched.Add(webhooks.Worker{
		Name:     "expiry-sweep",
		Interval: cfg.SweepInterval,
		Jitter:   cfg.WorkerJitterFactor,
		Run: func(ctx context.Context) {
			n, err := svc.ExpireSweep(ctx)
			if err != nil {
				log.Errorw("expiry sweep", "err", err)
				return
			}
			if n > 0 {
				log.Infow("authorizations expired", "count", n)
			}
		},
	})
	sched.Add(webhooks.Worker{
		Name:     "retention-purge",
		Interval: cfg.RetentionInterval,
		Jitter:   cfg.WorkerJitterFactor,
		Run: func(ctx context.Context) {
			n, err := svc.PurgeDeleted(ctx)
			if err != nil {
				log.Errorw("retention purge", "err", err)
				return
			}
			if n > 0 {
				log.Infow("authorizations purged", "count", n)
			}
		},
	})
	sched.Start(ctx)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("mandate-service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
	sched.Stop()
	dispatcher.Drain()
	fmt.Println("mandate-service stopped")
}
