package entitlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codecanvas.io/internal/entitlement"
	"codecanvas.io/internal/store/memory"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	svc   *entitlement.Service
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: epoch}
	svc, err := entitlement.NewService(f.store, entitlement.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) seat(org, identity, role string, expires *time.Time) entitlement.Seat {
	return f.store.PutSeat(entitlement.Seat{
		OrgID:          org,
		SubscriptionID: "sub_" + org,
		Identity:       identity,
		Role:           role,
		ExpiresAt:      expires,
		CreatedAt:      epoch,
	})
}

func (f *fixture) subscription(org string, total, used int64, seats int) {
	f.store.PutSubscription(entitlement.Subscription{
		ID:           "sub_" + org,
		OrgID:        org,
		Status:       "active",
		TotalCredits: total,
		UsedCredits:  used,
		SeatsTotal:   seats,
		SeatsUsed:    seats,
	})
}

func at(t time.Time) *time.Time { return &t }

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := entitlement.NewService(nil)
	require.ErrorIs(t, err, entitlement.ErrConfiguration)
}

func TestGetOrgCreditsSeatGating(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 1000, 1000, 2)
	f.seat("org_1", "alice", entitlement.RoleMember, nil)

	_, err := f.svc.GetOrgCredits(context.Background(), "org_1", "mallory")
	require.ErrorIs(t, err, entitlement.ErrNoActiveSeat)

	got, err := f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RemainingCredits)
	assert.Equal(t, "sub_org_1", got.SubscriptionID)
	assert.Equal(t, entitlement.RoleMember, got.SeatRole)
	assert.Equal(t, "0.00", got.RemainingValue)
}

func TestGetOrgCreditsIgnoresOtherOrgSeat(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 1000, 0, 1)
	f.seat("org_2", "alice", entitlement.RoleOwner, nil)

	_, err := f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.ErrorIs(t, err, entitlement.ErrNoActiveSeat)
}

func TestGetOrgCreditsExpiredSeat(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 1000, 0, 1)
	f.seat("org_1", "alice", entitlement.RoleMember, at(epoch.Add(time.Hour)))

	_, err := f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.NoError(t, err)

	f.now = epoch.Add(time.Hour)
	_, err = f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.ErrorIs(t, err, entitlement.ErrNoActiveSeat)
}

func TestGetOrgCreditsRemainingFloor(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 500, 730, 1)
	f.seat("org_1", "alice", entitlement.RoleMember, nil)

	got, err := f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RemainingCredits)
	assert.Equal(t, int64(730), got.UsedCredits)
}

func TestGetOrgCreditsWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	f.store.PutSubscription(entitlement.Subscription{ID: "sub_org_1", OrgID: "org_1", Status: "canceled", TotalCredits: 900})
	f.seat("org_1", "alice", entitlement.RoleMember, nil)

	got, err := f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.NoError(t, err)
	assert.Empty(t, got.SubscriptionID)
	assert.Zero(t, got.TotalCredits)
	assert.Zero(t, got.RemainingCredits)
	assert.Equal(t, "org_1", got.OrgID)
}

func TestGetOrgCreditsStoreFailureIsTyped(t *testing.T) {
	f := newFixture(t)
	f.seat("org_1", "alice", entitlement.RoleMember, nil)
	boom := errors.New("connection reset")
	for i := 0; i < 3; i++ {
		f.store.Fail(memory.OpGetSeat, boom)
	}

	_, err := f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.ErrorIs(t, err, entitlement.ErrCollaborator)
	require.ErrorIs(t, err, boom)
}

func TestGetOrgCreditsRetriesTransientRead(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 100, 40, 1)
	f.seat("org_1", "alice", entitlement.RoleMember, nil)
	f.store.Fail(memory.OpGetSeat, errors.New("connection reset"))

	got, err := f.svc.GetOrgCredits(context.Background(), "org_1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.RemainingCredits)
	assert.Equal(t, "0.60", got.RemainingValue)
}

func TestConsumeOrgCredits(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 100, 40, 1)
	f.seat("org_1", "alice", entitlement.RoleMember, nil)
	ctx := context.Background()

	got, err := f.svc.ConsumeOrgCredits(ctx, "org_1", "alice", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RemainingCredits)

	_, err = f.svc.ConsumeOrgCredits(ctx, "org_1", "alice", 1)
	require.ErrorIs(t, err, entitlement.ErrInsufficientCredits)

	_, err = f.svc.ConsumeOrgCredits(ctx, "org_1", "alice", 0)
	require.ErrorIs(t, err, entitlement.ErrValidation)

	_, err = f.svc.ConsumeOrgCredits(ctx, "org_1", "bob", 1)
	require.ErrorIs(t, err, entitlement.ErrNoActiveSeat)

	sub, ok := f.store.Subscription("sub_org_1")
	require.True(t, ok)
	assert.Equal(t, int64(100), sub.UsedCredits)
}

func TestConsumeOrgCreditsWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	f.seat("org_1", "alice", entitlement.RoleMember, nil)

	_, err := f.svc.ConsumeOrgCredits(context.Background(), "org_1", "alice", 1)
	require.ErrorIs(t, err, entitlement.ErrInsufficientCredits)
}

func TestRevokeSeat(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 100, 0, 3)
	f.seat("org_1", "owner", entitlement.RoleOwner, nil)
	f.seat("org_1", "member", entitlement.RoleMember, nil)
	f.seat("org_1", "other", entitlement.RoleMember, nil)
	ctx := context.Background()

	_, err := f.svc.RevokeSeat(ctx, "org_1", "member", "other", "left the team")
	require.ErrorIs(t, err, entitlement.ErrForbidden)

	_, err = f.svc.RevokeSeat(ctx, "org_1", "stranger", "other", "left the team")
	require.ErrorIs(t, err, entitlement.ErrForbidden)

	_, err = f.svc.RevokeSeat(ctx, "org_1", "owner", "other", " ")
	require.ErrorIs(t, err, entitlement.ErrValidation)

	seat, err := f.svc.RevokeSeat(ctx, "org_1", "owner", "other", "left the team")
	require.NoError(t, err)
	assert.Equal(t, entitlement.SeatRevoked, seat.Status)
	assert.Equal(t, "left the team", seat.RevocationReason)
	assert.Equal(t, "owner", seat.RevokedBy)
	require.NotNil(t, seat.RevokedAt)
	assert.True(t, seat.RevokedAt.Equal(epoch))

	_, err = f.svc.RevokeSeat(ctx, "org_1", "owner", "other", "left the team")
	require.ErrorIs(t, err, entitlement.ErrSeatNotFound)

	_, err = f.svc.GetOrgCredits(ctx, "org_1", "other")
	require.ErrorIs(t, err, entitlement.ErrNoActiveSeat)

	sub, _ := f.store.Subscription("sub_org_1")
	assert.Equal(t, 2, sub.SeatsUsed)
}

func TestListSeats(t *testing.T) {
	f := newFixture(t)
	f.seat("org_1", "admin", entitlement.RoleAdmin, nil)
	f.seat("org_1", "member", entitlement.RoleMember, nil)
	f.seat("org_2", "elsewhere", entitlement.RoleMember, nil)
	ctx := context.Background()

	seats, err := f.svc.ListSeats(ctx, "org_1", "admin")
	require.NoError(t, err)
	assert.Len(t, seats, 2)

	_, err = f.svc.ListSeats(ctx, "org_1", "member")
	require.ErrorIs(t, err, entitlement.ErrForbidden)
}

func TestSweepExpiredSeatsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.subscription("org_1", 100, 0, 3)
	f.subscription("org_2", 100, 0, 1)
	f.seat("org_1", "a", entitlement.RoleMember, at(epoch.Add(time.Hour)))
	f.seat("org_1", "b", entitlement.RoleMember, at(epoch.Add(2*time.Hour)))
	f.seat("org_1", "c", entitlement.RoleOwner, nil)
	f.seat("org_2", "d", entitlement.RoleMember, at(epoch.Add(30*time.Minute)))
	ctx := context.Background()

	res, err := f.svc.SweepExpiredSeats(ctx)
	require.NoError(t, err)
	assert.Equal(t, entitlement.SweepResult{}, res)

	f.now = epoch.Add(90 * time.Minute)
	res, err = f.svc.SweepExpiredSeats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.SeatsRevoked)
	assert.Equal(t, int64(2), res.SubscriptionsUpdated)

	res, err = f.svc.SweepExpiredSeats(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.SeatsRevoked)

	sub, _ := f.store.Subscription("sub_org_1")
	assert.Equal(t, 2, sub.SeatsUsed)
	sub, _ = f.store.Subscription("sub_org_2")
	assert.Equal(t, 0, sub.SeatsUsed)

	seats, err := f.svc.ListSeats(ctx, "org_1", "c")
	require.NoError(t, err)
	for _, s := range seats {
		if s.Identity == "a" {
			assert.Equal(t, entitlement.SeatRevoked, s.Status)
			assert.Equal(t, entitlement.ReasonExpired, s.RevocationReason)
		}
	}
}

func TestSweepFailureIsTyped(t *testing.T) {
	f := newFixture(t)
	f.store.Fail(memory.OpSweep, errors.New("statement timeout"))
	_, err := f.svc.SweepExpiredSeats(context.Background())
	require.ErrorIs(t, err, entitlement.ErrCollaborator)
}

func TestGetUserCredits(t *testing.T) {
	f := newFixture(t)
	f.store.PutUser(userWithCredits("alice", 1234))

	got, err := f.svc.GetUserCredits(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), got.Credits)
	assert.Equal(t, "12.34", got.Value)
	assert.Equal(t, "USD", got.Currency)

	_, err = f.svc.GetUserCredits(context.Background(), "nobody")
	require.ErrorIs(t, err, entitlement.ErrNotFound)
}
