package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"codecanvas.io/internal/bounded"
	"codecanvas.io/internal/obs"
)

const (
	defaultStoreTimeout = 5 * time.Second
	maxReasonLen        = 500
)

// Service computes seat validity and pooled credit balances.
type Service struct {
	store        Store
	rate         Rate
	storeTimeout time.Duration
	now          func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithRate sets the credit conversion rate used for display values.
func WithRate(r Rate) Option {
	return func(s *Service) error {
		if r.CreditsPerUnit <= 0 {
			return fmt.Errorf("%w: credits per unit must be positive", ErrValidation)
		}
		s.rate = r
		return nil
	}
}

// NewService constructs the engine.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	svc := &Service{
		store:        store,
		rate:         Rate{CreditsPerUnit: 100, Currency: "USD"},
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Rate returns the configured conversion rate.
func (s *Service) Rate() Rate { return s.rate }

// GetOrgCredits returns the pooled balance of orgID to a holder of an active
// seat. Without an active or trialing subscription the totals are zero.
func (s *Service) GetOrgCredits(ctx context.Context, orgID, identity string) (OrgCredits, error) {
	ctx, span := obs.Tracer().Start(ctx, "entitlement.GetOrgCredits")
	defer span.End()

	seat, err := s.requireSeat(ctx, orgID, identity)
	if err != nil {
		return OrgCredits{}, err
	}
	sub, err := s.subscriptionFor(ctx, seat)
	if err != nil {
		span.SetStatus(codes.Error, "subscription")
		return OrgCredits{}, err
	}
	return s.snapshot(seat, sub), nil
}

// ConsumeOrgCredits draws amount from the pool of orgID on behalf of a seat
// holder. The check and the update are one store step.
func (s *Service) ConsumeOrgCredits(ctx context.Context, orgID, identity string, amount int64) (OrgCredits, error) {
	ctx, span := obs.Tracer().Start(ctx, "entitlement.ConsumeOrgCredits")
	defer span.End()

	if amount <= 0 {
		return OrgCredits{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	seat, err := s.requireSeat(ctx, orgID, identity)
	if err != nil {
		return OrgCredits{}, err
	}
	sub, err := s.subscriptionFor(ctx, seat)
	if err != nil {
		return OrgCredits{}, err
	}
	if sub.ID == "" {
		return OrgCredits{}, ErrInsufficientCredits
	}

	var updated Subscription
	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		updated, err = s.store.ConsumeCredits(ctx, sub.ID, amount)
		return err
	})
	switch {
	case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrNotFound):
		return OrgCredits{}, ErrInsufficientCredits
	case err != nil:
		span.SetStatus(codes.Error, "consume")
		return OrgCredits{}, collaborator("consume credits", err)
	}
	span.SetAttributes(attribute.Int64("credits.consumed", amount))
	return s.snapshot(seat, updated), nil
}

// GetUserCredits returns an individual balance.
func (s *Service) GetUserCredits(ctx context.Context, identity string) (UserCredits, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return UserCredits{}, fmt.Errorf("%w: identity is required", ErrValidation)
	}
	var uc UserCredits
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		uc, err = s.store.GetUserCredits(ctx, identity)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return UserCredits{}, ErrNotFound
	}
	if err != nil {
		return UserCredits{}, collaborator("user credits", err)
	}
	if uc.Credits < 0 {
		uc.Credits = 0
	}
	uc.Value = s.rate.FormatCredits(uc.Credits)
	uc.Currency = s.rate.Currency
	return uc, nil
}

// RevokeSeat revokes the active seat of identity in orgID. actor must hold
// an owner or admin seat in the same organization; that is checked against
// the store, never taken from the request.
func (s *Service) RevokeSeat(ctx context.Context, orgID, actor, identity, reason string) (Seat, error) {
	ctx, span := obs.Tracer().Start(ctx, "entitlement.RevokeSeat")
	defer span.End()

	identity = strings.TrimSpace(identity)
	reason = strings.TrimSpace(reason)
	if identity == "" {
		return Seat{}, fmt.Errorf("%w: identity is required", ErrValidation)
	}
	if reason == "" {
		return Seat{}, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if len(reason) > maxReasonLen {
		return Seat{}, fmt.Errorf("%w: reason exceeds %d characters", ErrValidation, maxReasonLen)
	}
	actorSeat, err := s.requireAdmin(ctx, orgID, actor)
	if err != nil {
		return Seat{}, err
	}

	var seat Seat
	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		seat, err = s.store.ReviseSeatStatus(ctx, actorSeat.OrgID, identity, SeatRevision{
			Reason:    reason,
			RevokedBy: actorSeat.Identity,
			At:        s.now().UTC(),
		})
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Seat{}, ErrSeatNotFound
	}
	if err != nil {
		span.SetStatus(codes.Error, "revise seat")
		return Seat{}, collaborator("revoke seat", err)
	}
	obs.SeatsRevoked.WithLabelValues("manual").Inc()
	return seat, nil
}

// ListSeats returns every seat of orgID to an organization admin.
func (s *Service) ListSeats(ctx context.Context, orgID, actor string) ([]Seat, error) {
	actorSeat, err := s.requireAdmin(ctx, orgID, actor)
	if err != nil {
		return nil, err
	}
	var seats []Seat
	err = bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		seats, err = s.store.ListSeatsForOrg(ctx, actorSeat.OrgID)
		return err
	})
	if err != nil {
		return nil, collaborator("list seats", err)
	}
	return seats, nil
}

// SweepExpiredSeats revokes every active seat whose expiry has passed. It is
// idempotent and safe to run concurrently with itself.
func (s *Service) SweepExpiredSeats(ctx context.Context) (SweepResult, error) {
	ctx, span := obs.Tracer().Start(ctx, "entitlement.SweepExpiredSeats")
	defer span.End()

	var res SweepResult
	err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		res, err = s.store.SweepExpiredSeats(ctx, s.now().UTC())
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, "sweep")
		return SweepResult{}, collaborator("sweep expired seats", err)
	}
	span.SetAttributes(
		attribute.Int64("seats.revoked", res.SeatsRevoked),
		attribute.Int64("subscriptions.updated", res.SubscriptionsUpdated),
	)
	obs.SeatsRevoked.WithLabelValues(ReasonExpired).Add(float64(res.SeatsRevoked))
	return res, nil
}

func (s *Service) requireSeat(ctx context.Context, orgID, identity string) (Seat, error) {
	orgID = strings.TrimSpace(orgID)
	identity = strings.TrimSpace(identity)
	if orgID == "" || identity == "" {
		return Seat{}, fmt.Errorf("%w: org id and identity are required", ErrValidation)
	}
	var seat Seat
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		seat, err = s.store.GetActiveSeat(ctx, orgID, identity, s.now().UTC())
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return Seat{}, ErrNoActiveSeat
	}
	if err != nil {
		return Seat{}, collaborator("load seat", err)
	}
	return seat, nil
}

func (s *Service) requireAdmin(ctx context.Context, orgID, actor string) (Seat, error) {
	seat, err := s.requireSeat(ctx, orgID, actor)
	if errors.Is(err, ErrNoActiveSeat) {
		return Seat{}, ErrForbidden
	}
	if err != nil {
		return Seat{}, err
	}
	if !seat.CanManage() {
		return Seat{}, ErrForbidden
	}
	return seat, nil
}

// subscriptionFor returns a zero Subscription when none is active.
func (s *Service) subscriptionFor(ctx context.Context, seat Seat) (Subscription, error) {
	var sub Subscription
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		sub, err = s.store.GetSubscriptionForSeat(ctx, seat)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return Subscription{}, nil
	}
	if err != nil {
		return Subscription{}, collaborator("load subscription", err)
	}
	return sub, nil
}

func (s *Service) snapshot(seat Seat, sub Subscription) OrgCredits {
	remaining := sub.Remaining()
	return OrgCredits{
		OrgID:              seat.OrgID,
		SubscriptionID:     sub.ID,
		SubscriptionStatus: sub.Status,
		SeatRole:           seat.Role,
		TotalCredits:       sub.TotalCredits,
		UsedCredits:        sub.UsedCredits,
		RemainingCredits:   remaining,
		RemainingValue:     s.rate.FormatCredits(remaining),
		Currency:           s.rate.Currency,
		SeatsTotal:         sub.SeatsTotal,
		SeatsUsed:          sub.SeatsUsed,
	}
}

func collaborator(op string, err error) error {
	return fmt.Errorf("entitlement: %s: %w: %w", op, ErrCollaborator, err)
}
