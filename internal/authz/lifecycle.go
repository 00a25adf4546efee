package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mandates/internal/audit"
	"mandates/internal/obs"
)

// Outbound event types emitted on lifecycle/verification changes.
const (
	EventCreated  = "authorization.created"
	EventVerified = "authorization.verified"
	EventExpired  = "authorization.expired"
	EventRevoked  = "authorization.revoked"
	EventUsed     = "authorization.used"
	EventDeleted  = "authorization.deleted"
)

// EventSink receives lifecycle events for webhook fan-out. Implementations
// must not block on network I/O.
type EventSink interface {
	Emit(ctx context.Context, tenantID, eventType, authorizationID string, data map[string]any)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, string, string, string, map[string]any) {}

// NopSink discards events (tests, tooling).
func NopSink() EventSink { return nopSink{} }

// Service owns the lifecycle state machine. All status changes go through
// the store's single-row Transition; REVOKED is terminal.
type Service struct {
	store         Store
	verifier      *Verifier
	audit         audit.Recorder
	events        EventSink
	log           *zap.SugaredLogger
	retentionDays int
	clock         func() time.Time
}

func NewService(store Store, verifier *Verifier, rec audit.Recorder, events EventSink, log *zap.SugaredLogger) *Service {
	if events == nil {
		events = NopSink()
	}
	return &Service{
		store:         store,
		verifier:      verifier,
		audit:         rec,
		events:        events,
		log:           log,
		retentionDays: 90,
		clock:         time.Now,
	}
}

// WithClock overrides the service's time source (tests).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithRetentionDays sets the default retention window for new records.
func (s *Service) WithRetentionDays(days int) *Service {
	s.retentionDays = days
	return s
}

// Create normalizes, verifies and persists a credential. The record is
// always created, even when verification fails: the record is the evidence,
// and the failure lives in verification_status.
func (s *Service) Create(ctx context.Context, tenantID string, cred Credential, actor audit.Actor) (*Authorization, error) {
	a, err := Normalize(cred, tenantID)
	if err != nil {
		return nil, err
	}

	verdict := s.verifier.Verify(ctx, a)
	now := s.clock().UTC()
	a.ID = uuid.NewString()
	a.VerificationStatus = verdict.Status
	a.VerificationReason = verdict.Reason
	a.VerificationDetails = verdict.Details
	a.VerifiedAt = &now
	a.RetentionDays = s.retentionDays
	a.CreatedAt = now
	a.UpdatedAt = now
	a.CreatedBy = actor.ID
	if !a.ExpiresAt.After(now) {
		a.Status = StatusExpired
	} else {
		a.Status = StatusActive
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	obs.ObserveTransition(string(a.Status))

	s.record(ctx, a, "authorization.created", fmt.Sprintf("%s authorization created", a.Protocol), actor, map[string]any{
		"protocol": string(a.Protocol),
		"issuer":   a.Issuer,
		"subject":  a.Subject,
		"status":   string(a.Status),
	})
	s.record(ctx, a, "authorization.verified", "trust verification completed", actor, map[string]any{
		"verification_status": string(a.VerificationStatus),
		"verification_reason": a.VerificationReason,
	})
	s.events.Emit(ctx, tenantID, EventCreated, a.ID, eventData(a))
	s.events.Emit(ctx, tenantID, EventVerified, a.ID, map[string]any{
		"authorization_id":    a.ID,
		"verification_status": string(a.VerificationStatus),
		"verification_reason": a.VerificationReason,
	})
	return a, nil
}

// Get returns one authorization; soft-deleted records are not visible.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Authorization, error) {
	return s.store.Get(ctx, tenantID, id)
}

// Revoke moves any non-terminal record to REVOKED. Revoking twice fails
// with ErrAlreadyRevoked so duplicate revocation attempts surface.
func (s *Service) Revoke(ctx context.Context, tenantID, id, reason string, actor audit.Actor) (*Authorization, error) {
	now := s.clock().UTC()
	a, changed, err := s.store.Transition(ctx, tenantID, id, func(a *Authorization) error {
		if a.Status == StatusRevoked {
			return ErrAlreadyRevoked
		}
		a.Status = StatusRevoked
		a.RevokedAt = &now
		a.RevokeReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		obs.ObserveTransition(string(StatusRevoked))
		s.record(ctx, a, "authorization.revoked", "authorization revoked", actor, map[string]any{"reason": reason})
		s.events.Emit(ctx, tenantID, EventRevoked, a.ID, mergeEventData(eventData(a), map[string]any{"reason": reason}))
	}
	return a, nil
}

// ExpireSweep transitions every non-terminal record past its expires_at to
// EXPIRED. Idempotent: a second run over the same records is a no-op and
// produces no duplicate audit events.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	now := s.clock().UTC()
	due, err := s.store.ListExpirable(ctx, now, 500)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, candidate := range due {
		a, changed, terr := s.store.Transition(ctx, candidate.TenantID, candidate.ID, func(a *Authorization) error {
			if a.Status != StatusActive || a.ExpiresAt.After(now) {
				return errNoChange
			}
			a.Status = StatusExpired
			return nil
		})
		if terr != nil {
			s.log.Warnw("expire sweep transition failed", "id", candidate.ID, "err", terr)
			continue
		}
		if !changed {
			continue
		}
		count++
		obs.ObserveTransition(string(StatusExpired))
		s.record(ctx, a, "authorization.expired", "authorization expired", audit.System, nil)
		s.events.Emit(ctx, a.TenantID, EventExpired, a.ID, eventData(a))
	}
	return count, nil
}

// RecordUsage logs a protocol usage event (e.g. ACP token.used) without
// changing status; usage of a revoked token is still recorded as evidence.
func (s *Service) RecordUsage(ctx context.Context, tenantID, id string, data map[string]any, actor audit.Actor) error {
	a, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	s.record(ctx, a, "authorization.used", "usage reported by protocol webhook", actor, data)
	s.events.Emit(ctx, tenantID, EventUsed, a.ID, mergeEventData(eventData(a), data))
	return nil
}

// SoftDelete hides the record from normal queries; it stays stored for
// retention_days before the purge removes it. Orthogonal to status.
func (s *Service) SoftDelete(ctx context.Context, tenantID, id string, actor audit.Actor) error {
	now := s.clock().UTC()
	a, changed, err := s.store.Transition(ctx, tenantID, id, func(a *Authorization) error {
		if a.DeletedAt != nil {
			return errNoChange
		}
		a.DeletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.record(ctx, a, "authorization.deleted", "authorization soft-deleted", actor, nil)
		s.events.Emit(ctx, tenantID, EventDeleted, a.ID, eventData(a))
	}
	return nil
}

// PurgeDeleted physically removes soft-deleted records whose retention
// window has elapsed.
func (s *Service) PurgeDeleted(ctx context.Context) (int, error) {
	return s.store.PurgeDeleted(ctx, s.clock().UTC())
}

func (s *Service) record(ctx context.Context, a *Authorization, eventType, description string, actor audit.Actor, data map[string]any) {
	e := audit.NewEvent(a.TenantID, a.ID, eventType, description, actor, data)
	if err := s.audit.Record(ctx, e); err != nil {
		s.log.Errorw("audit record failed", "event_type", eventType, "authorization_id", a.ID, "err", err)
	}
}

func eventData(a *Authorization) map[string]any {
	return map[string]any{
		"authorization_id": a.ID,
		"protocol":         string(a.Protocol),
		"issuer":           a.Issuer,
		"subject":          a.Subject,
		"status":           string(a.Status),
		"expires_at":       a.ExpiresAt.Format(time.RFC3339),
	}
}

func mergeEventData(dst, src map[string]any) map[string]any {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// IsNoChange reports whether a Transition callback declined to change the
// row. Store implementations outside this package need it to honor the
// no-op contract.
func IsNoChange(err error) bool { return errors.Is(err, errNoChange) }
