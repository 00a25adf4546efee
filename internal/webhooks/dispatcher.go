package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mandates/internal/audit"
	"mandates/internal/obs"
)

const (
	eventHeader    = "X-Webhook-Event"
	deliveryHeader = "X-Webhook-Delivery"

	maxResponseBody = 4096
)

// Defaults fill webhook retry/timeout fields left unset at registration.
type Defaults struct {
	MaxRetries        int
	RetryDelaySeconds int
	TimeoutSeconds    int
}

func (df Defaults) apply(w *Webhook) {
	if w.MaxRetries <= 0 {
		w.MaxRetries = df.MaxRetries
	}
	if w.RetryDelaySeconds <= 0 {
		w.RetryDelaySeconds = df.RetryDelaySeconds
	}
	if w.TimeoutSeconds <= 0 {
		w.TimeoutSeconds = df.TimeoutSeconds
	}
}

// Dispatcher matches events to subscriptions and performs signed,
// at-least-once delivery with bounded retries. It implements the lifecycle
// EventSink.
type Dispatcher struct {
	store    Store
	audit    audit.Recorder
	client   *http.Client
	log      *zap.SugaredLogger
	defaults Defaults
	clock    func() time.Time
	lease    time.Duration
	wg       sync.WaitGroup
}

func NewDispatcher(store Store, rec audit.Recorder, log *zap.SugaredLogger, defaults Defaults) *Dispatcher {
	return &Dispatcher{
		store:    store,
		audit:    rec,
		client:   &http.Client{},
		log:      log,
		defaults: defaults,
		clock:    time.Now,
		lease:    2 * time.Minute,
	}
}

// WithClock overrides the dispatcher's time source (tests).
func (dp *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	dp.clock = clock
	return dp
}

// Emit creates one delivery row per matching active webhook and kicks an
// immediate delivery pass in the background. The event_id is generated once
// per logical event, shared by every receiver, so endpoints can dedupe.
func (dp *Dispatcher) Emit(ctx context.Context, tenantID, eventType, authorizationID string, data map[string]any) {
	hooks, err := dp.store.ListActiveByEvent(ctx, tenantID, eventType)
	if err != nil {
		dp.log.Errorw("webhook match failed", "event_type", eventType, "err", err)
		return
	}
	if len(hooks) == 0 {
		return
	}
	now := dp.clock().UTC()
	payload, err := json.Marshal(Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: now,
		Data:      data,
	})
	if err != nil {
		dp.log.Errorw("webhook payload marshal failed", "event_type", eventType, "err", err)
		return
	}
	for _, w := range hooks {
		due := now
		d := &Delivery{
			ID:              uuid.NewString(),
			TenantID:        tenantID,
			WebhookID:       w.ID,
			AuthorizationID: authorizationID,
			EventType:       eventType,
			Payload:         payload,
			NextRetryAt:     &due,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := dp.store.CreateDelivery(ctx, d); err != nil {
			dp.log.Errorw("delivery create failed", "webhook_id", w.ID, "err", err)
		}
	}
	dp.wg.Add(1)
	go func() {
		defer dp.wg.Done()
		dp.ProcessDue(context.Background(), len(hooks))
	}()
}

// ProcessDue claims due deliveries and attempts them concurrently. Attempts
// for different webhooks run in parallel; the claim lease keeps attempts
// for the same delivery serialized across instances.
func (dp *Dispatcher) ProcessDue(ctx context.Context, limit int) int {
	due, err := dp.store.ClaimDue(ctx, dp.clock().UTC(), dp.lease, limit)
	if err != nil {
		dp.log.Errorw("delivery claim failed", "err", err)
		return 0
	}
	var wg sync.WaitGroup
	for _, d := range due {
		wg.Add(1)
		go func(d *Delivery) {
			defer wg.Done()
			dp.attempt(ctx, d)
		}(d)
	}
	wg.Wait()
	return len(due)
}

// Drain waits for background delivery passes kicked off by Emit.
func (dp *Dispatcher) Drain() {
	dp.wg.Wait()
}

func (dp *Dispatcher) attempt(ctx context.Context, d *Delivery) {
	w, err := dp.store.GetWebhook(ctx, d.TenantID, d.WebhookID)
	if errors.Is(err, ErrWebhookNotFound) {
		// the subscription is gone; this delivery can never succeed
		dp.log.Errorw("delivery without webhook", "delivery_id", d.ID, "webhook_id", d.WebhookID)
		now := dp.clock().UTC()
		d.FailedAt = &now
		d.NextRetryAt = nil
		dp.exhausted(ctx, d, "webhook no longer exists")
		if uerr := dp.store.UpdateDelivery(ctx, d); uerr != nil {
			dp.log.Errorw("delivery update failed", "delivery_id", d.ID, "err", uerr)
		}
		return
	}
	if err != nil {
		// transient store error: leave the row untouched so the claim lease
		// expires and the retry scan picks it up again
		dp.log.Warnw("webhook lookup failed", "delivery_id", d.ID, "webhook_id", d.WebhookID, "err", err)
		return
	}
	dp.defaults.apply(w)

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(w.TimeoutSeconds)*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader(d.Payload))
	if err != nil {
		dp.fail(ctx, d, w, 0, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(d.Payload, w.Secret))
	req.Header.Set(eventHeader, d.EventType)
	req.Header.Set(deliveryHeader, d.ID)

	resp, err := dp.client.Do(req)
	if err != nil {
		dp.fail(ctx, d, w, 0, err.Error())
		return
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		dp.succeed(ctx, d, resp.StatusCode, string(body))
		return
	}
	dp.fail(ctx, d, w, resp.StatusCode, string(body))
}

func (dp *Dispatcher) succeed(ctx context.Context, d *Delivery, code int, body string) {
	now := dp.clock().UTC()
	d.Attempts++
	d.StatusCode = code
	d.ResponseBody = body
	d.DeliveredAt = &now
	d.IsDelivered = true
	d.NextRetryAt = nil
	if err := dp.store.UpdateDelivery(ctx, d); err != nil {
		dp.log.Errorw("delivery update failed", "delivery_id", d.ID, "err", err)
	}
	obs.ObserveDeliveryAttempt("success")
}

func (dp *Dispatcher) fail(ctx context.Context, d *Delivery, w *Webhook, code int, body string) {
	now := dp.clock().UTC()
	d.Attempts++
	d.StatusCode = code
	d.ResponseBody = body
	if d.Attempts >= w.MaxRetries {
		// retry budget exhausted: stop and alert the operator
		d.FailedAt = &now
		d.NextRetryAt = nil
		dp.exhausted(ctx, d, fmt.Sprintf("delivery to %s exhausted after %d attempts", w.URL, d.Attempts))
	} else {
		backoff := time.Duration(w.RetryDelaySeconds) * time.Second * (1 << (d.Attempts - 1))
		next := now.Add(backoff)
		d.NextRetryAt = &next
	}
	if err := dp.store.UpdateDelivery(ctx, d); err != nil {
		dp.log.Errorw("delivery update failed", "delivery_id", d.ID, "err", err)
	}
	obs.ObserveDeliveryAttempt("failure")
}

// exhausted raises the operator alert for a delivery that will never be
// retried again: error log, counter and audit trail entry.
func (dp *Dispatcher) exhausted(ctx context.Context, d *Delivery, detail string) {
	obs.ObserveDeliveryExhausted()
	dp.log.Errorw("webhook delivery exhausted",
		"delivery_id", d.ID, "webhook_id", d.WebhookID, "event_type", d.EventType,
		"attempts", d.Attempts, "detail", detail)
	e := audit.NewEvent(d.TenantID, d.AuthorizationID, "webhook.delivery_failed",
		detail, audit.System, map[string]any{"webhook_id": d.WebhookID, "event_type": d.EventType})
	if err := dp.audit.Record(ctx, e); err != nil {
		dp.log.Errorw("audit record failed", "event_type", "webhook.delivery_failed", "err", err)
	}
}
