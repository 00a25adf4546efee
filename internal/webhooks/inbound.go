package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mandates/internal/audit"
	"mandates/internal/authz"
	"mandates/internal/obs"
	"mandates/pkg/middleware"
	"mandates/pkg/problems"
)

const maxInboundBody = 1 << 20

// InboundHandler accepts PSP lifecycle callbacks (token.revoked,
// token.used), verifies the tenant HMAC over the raw body, deduplicates by
// event_id and applies the event to the referenced authorization.
type InboundHandler struct {
	svc   *authz.Service
	store Store
	rdb   *redis.Client // optional dedupe fast path
	log   *zap.SugaredLogger
}

func NewInboundHandler(svc *authz.Service, store Store, rdb *redis.Client, log *zap.SugaredLogger) *InboundHandler {
	return &InboundHandler{svc: svc, store: store, rdb: rdb, log: log}
}

func (h *InboundHandler) Routes(r chi.Router) {
	r.Post("/v1/webhooks/acp", h.handleACP)
}

func (h *InboundHandler) handleACP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.TenantFrom(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "inbound-body", "unreadable body")
		return
	}
	if !VerifySignature(body, tenant.WebhookSecret, r.Header.Get(SignatureHeader)) {
		obs.ObserveInboundEvent("bad_signature")
		writeProblem(w, http.StatusUnauthorized, "inbound-signature", "invalid webhook signature")
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.EventID == "" || env.EventType == "" {
		obs.ObserveInboundEvent("malformed")
		writeProblem(w, http.StatusBadRequest, "inbound-envelope", "malformed event envelope")
		return
	}
	// PSPs echo the authorization id we handed back at registration; some
	// send it under token_id.
	tokenID, _ := env.Data["authorization_id"].(string)
	if tokenID == "" {
		tokenID, _ = env.Data["token_id"].(string)
	}
	if tokenID == "" {
		obs.ObserveInboundEvent("malformed")
		writeProblem(w, http.StatusBadRequest, "inbound-envelope", "missing data.token_id")
		return
	}

	first, err := h.markProcessed(ctx, tenant.ID, env.EventID)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "inbound-dedupe", "dedupe check failed")
		return
	}
	if !first {
		obs.ObserveInboundEvent("duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}

	actor := audit.Actor{ID: "psp:" + tenant.Slug, IP: r.RemoteAddr, UserAgent: r.UserAgent()}
	switch env.EventType {
	case "token.revoked":
		reason, _ := env.Data["reason"].(string)
		if reason == "" {
			reason = "revoked by issuer"
		}
		_, err = h.svc.Revoke(ctx, tenant.ID, tokenID, reason, actor)
		// a token revoked twice upstream is still processed here
		if errors.Is(err, authz.ErrAlreadyRevoked) {
			err = nil
		}
	case "token.used":
		err = h.svc.RecordUsage(ctx, tenant.ID, tokenID, env.Data, actor)
	default:
		obs.ObserveInboundEvent("unknown_type")
		writeProblem(w, http.StatusBadRequest, "inbound-event-type", "unsupported event type")
		return
	}
	if errors.Is(err, authz.ErrNotFound) {
		obs.ObserveInboundEvent("unknown_token")
		writeProblem(w, http.StatusNotFound, "authorization-not-found", "no authorization for token")
		return
	}
	if err != nil {
		h.log.Errorw("inbound event failed",
			"event_type", env.EventType, "event_id", env.EventID,
			"request_id", middleware.RequestIDFrom(ctx), "err", err)
		writeProblem(w, http.StatusInternalServerError, "inbound-apply", "event processing failed")
		return
	}
	obs.ObserveInboundEvent("processed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// markProcessed reports whether this event_id is new for the tenant. Redis,
// when configured, answers repeats without touching postgres; the insert
// into processed_events is what actually guarantees exactly-once apply.
func (h *InboundHandler) markProcessed(ctx context.Context, tenantID, eventID string) (bool, error) {
	if h.rdb != nil {
		ok, err := h.rdb.SetNX(ctx, "inbound:"+tenantID+":"+eventID, 1, 24*time.Hour).Result()
		if err == nil && !ok {
			return false, nil
		}
		if err != nil {
			h.log.Warnw("redis dedupe unavailable", "err", err)
		}
	}
	return h.store.MarkEventProcessed(ctx, tenantID, eventID)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, code int, slug, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problems.Type(slug),
		"title":  http.StatusText(code),
		"status": code,
		"detail": detail,
	})
}
