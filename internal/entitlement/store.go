package entitlement

import (
	"context"
	"time"
)

// Store is the slice of the credential store the entitlement engine uses.
type Store interface {
	// GetActiveSeat returns an active, unexpired seat or ErrNotFound.
	GetActiveSeat(ctx context.Context, orgID, identity string, now time.Time) (Seat, error)
	ListSeatsForOrg(ctx context.Context, orgID string) ([]Seat, error)
	// ReviseSeatStatus revokes the active seat of identity and releases its
	// subscription slot. ErrNotFound when there is no active seat.
	ReviseSeatStatus(ctx context.Context, orgID, identity string, rev SeatRevision) (Seat, error)
	// SweepExpiredSeats revokes every active seat expired at now in one statement.
	SweepExpiredSeats(ctx context.Context, now time.Time) (SweepResult, error)
	// GetSubscriptionForSeat returns the active or trialing subscription
	// backing seat, or ErrNotFound.
	GetSubscriptionForSeat(ctx context.Context, seat Seat) (Subscription, error)
	// ConsumeCredits adds amount to used credits if it fits in the total,
	// else ErrInsufficientCredits.
	ConsumeCredits(ctx context.Context, subscriptionID string, amount int64) (Subscription, error)
	GetUserCredits(ctx context.Context, identity string) (UserCredits, error)
}
