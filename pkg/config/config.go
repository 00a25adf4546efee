// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string

	// Truststore
	TrustAnchorsFile  string        // yaml file with static trust anchors
	TruststoreTTL     time.Duration // cache TTL for resolved key material
	TruststoreTimeout time.Duration // hard timeout on anchor/JWKS resolution
	ClockSkew         time.Duration // acceptable skew for exp/nbf checks

	// Workers
	RetryScanInterval  time.Duration // webhook delivery retry scan
	SweepInterval      time.Duration // expiry sweep
	RetentionInterval  time.Duration // soft-delete purge scan
	WorkerJitterFactor float64       // 0..1 fraction of interval added as jitter

	// Webhook delivery defaults (per-webhook values override)
	DefaultMaxRetries     int
	DefaultRetryDelaySecs int
	DefaultTimeoutSecs    int
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                   env("MANDATES_ENV", "dev"),
		HTTPAddr:              env("MANDATES_HTTP_ADDR", ":8080"),
		RedisURL:              env("REDIS_URL", ""),
		DatabaseURL:           env("DATABASE_URL", ""),
		TrustAnchorsFile:      env("TRUST_ANCHORS_FILE", ""),
		TruststoreTTL:         envDur("TRUSTSTORE_TTL_SEC", 3600) * time.Second,
		TruststoreTimeout:     envDur("TRUSTSTORE_TIMEOUT_SEC", 5) * time.Second,
		ClockSkew:             envDur("CLOCK_SKEW_SEC", 60) * time.Second,
		RetryScanInterval:     envDur("RETRY_SCAN_INTERVAL_SEC", 30) * time.Second,
		SweepInterval:         envDur("EXPIRY_SWEEP_INTERVAL_SEC", 60) * time.Second,
		RetentionInterval:     envDur("RETENTION_SWEEP_INTERVAL_SEC", 3600) * time.Second,
		WorkerJitterFactor:    envFloat("WORKER_JITTER_FACTOR", 0.1),
		DefaultMaxRetries:     envInt("WEBHOOK_MAX_RETRIES", 3),
		DefaultRetryDelaySecs: envInt("WEBHOOK_RETRY_DELAY_SEC", 60),
		DefaultTimeoutSecs:    envInt("WEBHOOK_TIMEOUT_SEC", 10),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set — using in-memory stores for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
