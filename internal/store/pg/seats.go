package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"codecanvas.io/internal/entitlement"
)

const seatColumns = `id, org_id, coalesce(subscription_id,''), identity, role, status, expires_at,
	coalesce(assigned_by,''), revoked_at, coalesce(revocation_reason,''), coalesce(revoked_by,''), created_at`

const subscriptionColumns = `id, org_id, status, total_credits, used_credits, seats_total, seats_used`

func scanSeat(row rowScanner) (entitlement.Seat, error) {
	var (
		seat    entitlement.Seat
		expires sql.NullTime
		revoked sql.NullTime
	)
	err := row.Scan(&seat.ID, &seat.OrgID, &seat.SubscriptionID, &seat.Identity, &seat.Role, &seat.Status,
		&expires, &seat.AssignedBy, &revoked, &seat.RevocationReason, &seat.RevokedBy, &seat.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Seat{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Seat{}, err
	}
	seat.ExpiresAt = timePtr(expires)
	seat.RevokedAt = timePtr(revoked)
	return seat, nil
}

func scanSubscription(row rowScanner) (entitlement.Subscription, error) {
	var sub entitlement.Subscription
	err := row.Scan(&sub.ID, &sub.OrgID, &sub.Status, &sub.TotalCredits, &sub.UsedCredits, &sub.SeatsTotal, &sub.SeatsUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}
	return sub, err
}

func (s *Store) GetActiveSeat(ctx context.Context, orgID, identity string, now time.Time) (entitlement.Seat, error) {
	if s.db == nil {
		return entitlement.Seat{}, errNoDB
	}
	return scanSeat(s.db.QueryRowContext(ctx, `
		select `+seatColumns+` from org_seats
		where org_id = $1 and identity = $2 and status = 'active'
			and (expires_at is null or expires_at > $3)
		limit 1
	`, orgID, identity, now))
}

func (s *Store) ListSeatsForOrg(ctx context.Context, orgID string) ([]entitlement.Seat, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+seatColumns+` from org_seats where org_id = $1 order by created_at, id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.Seat
	for rows.Next() {
		seat, err := scanSeat(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, seat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ReviseSeatStatus revokes the active seat and releases its slot on the
// subscription in one transaction.
func (s *Store) ReviseSeatStatus(ctx context.Context, orgID, identity string, rev entitlement.SeatRevision) (entitlement.Seat, error) {
	if s.db == nil {
		return entitlement.Seat{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entitlement.Seat{}, err
	}
	defer func() { _ = tx.Rollback() }()

	seat, err := scanSeat(tx.QueryRowContext(ctx, `
		update org_seats
		set status = 'revoked', revoked_at = $3, revocation_reason = $4, revoked_by = $5
		where org_id = $1 and identity = $2 and status = 'active'
		returning `+seatColumns,
		orgID, identity, rev.At, rev.Reason, nullIfEmpty(rev.RevokedBy)))
	if err != nil {
		return entitlement.Seat{}, err
	}
	if seat.SubscriptionID != "" {
		if _, err := tx.ExecContext(ctx, `
			update org_subscriptions set seats_used = greatest(seats_used - 1, 0), updated_at = $2
			where id = $1
		`, seat.SubscriptionID, rev.At); err != nil {
			return entitlement.Seat{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return entitlement.Seat{}, err
	}
	return seat, nil
}

// SweepExpiredSeats is a single statement: the expired seats and the
// counters they held change together or not at all.
func (s *Store) SweepExpiredSeats(ctx context.Context, now time.Time) (entitlement.SweepResult, error) {
	if s.db == nil {
		return entitlement.SweepResult{}, errNoDB
	}
	var res entitlement.SweepResult
	err := s.db.QueryRowContext(ctx, `
		with expired as (
			update org_seats
			set status = 'revoked', revoked_at = $1, revocation_reason = 'expired'
			where status = 'active' and expires_at is not null and expires_at <= $1
			returning subscription_id
		),
		counts as (
			select subscription_id, count(*) as n
			from expired where subscription_id is not null
			group by subscription_id
		),
		adjusted as (
			update org_subscriptions sub
			set seats_used = greatest(sub.seats_used - c.n, 0), updated_at = $1
			from counts c
			where sub.id = c.subscription_id
			returning sub.id
		)
		select (select count(*) from expired), (select count(*) from adjusted)
	`, now).Scan(&res.SeatsRevoked, &res.SubscriptionsUpdated)
	if err != nil {
		return entitlement.SweepResult{}, err
	}
	return res, nil
}

func (s *Store) GetSubscriptionForSeat(ctx context.Context, seat entitlement.Seat) (entitlement.Subscription, error) {
	if s.db == nil {
		return entitlement.Subscription{}, errNoDB
	}
	if seat.SubscriptionID != "" {
		return scanSubscription(s.db.QueryRowContext(ctx, `
			select `+subscriptionColumns+` from org_subscriptions
			where id = $1 and status in ('active', 'trialing')
		`, seat.SubscriptionID))
	}
	return scanSubscription(s.db.QueryRowContext(ctx, `
		select `+subscriptionColumns+` from org_subscriptions
		where org_id = $1 and status in ('active', 'trialing')
		order by created_at desc
		limit 1
	`, seat.OrgID))
}

// ConsumeCredits is a conditional update. When it matches no row a second
// read tells an exhausted pool apart from a missing subscription.
func (s *Store) ConsumeCredits(ctx context.Context, subscriptionID string, amount int64) (entitlement.Subscription, error) {
	if s.db == nil {
		return entitlement.Subscription{}, errNoDB
	}
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		update org_subscriptions
		set used_credits = used_credits + $2, updated_at = now()
		where id = $1 and status in ('active', 'trialing') and used_credits + $2 <= total_credits
		returning `+subscriptionColumns,
		subscriptionID, amount))
	if !errors.Is(err, entitlement.ErrNotFound) {
		return sub, err
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from org_subscriptions where id = $1 and status in ('active', 'trialing'))
	`, subscriptionID).Scan(&exists); err != nil {
		return entitlement.Subscription{}, err
	}
	if exists {
		return entitlement.Subscription{}, entitlement.ErrInsufficientCredits
	}
	return entitlement.Subscription{}, entitlement.ErrNotFound
}
