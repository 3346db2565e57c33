package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/entitlement"
)

const userColumns = `identity, coalesce(email,''), coalesce(username,''), plan_type, credits,
	coalesce(organization_id,''), coalesce(stripe_customer_id,''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.Identity, &u.Email, &u.Username, &u.PlanType, &u.Credits,
		&u.OrganizationID, &u.StripeCustomerID, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) GetUserByIdentity(ctx context.Context, identity string) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where identity = $1`, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	return u, nil
}

// UpsertUser only fills email and username while they are empty; a verified
// value on the record always wins over a hint.
func (s *Store) UpsertUser(ctx context.Context, identity string, hints auth.ProfileHints, now time.Time) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		insert into users (identity, email, username, created_at, updated_at)
		values ($1, $2, $3, $4, $4)
		on conflict (identity) do update set
			email = coalesce(nullif(users.email, ''), excluded.email),
			username = coalesce(nullif(users.username, ''), excluded.username),
			updated_at = excluded.updated_at
		returning `+userColumns,
		identity, nullIfEmpty(hints.Email), nullIfEmpty(hints.Username), now)
	return scanUser(row)
}

func (s *Store) GetUserCredits(ctx context.Context, identity string) (entitlement.UserCredits, error) {
	if s.db == nil {
		return entitlement.UserCredits{}, errNoDB
	}
	var uc entitlement.UserCredits
	err := s.db.QueryRowContext(ctx, `
		select identity, plan_type, credits from users where identity = $1
	`, identity).Scan(&uc.Identity, &uc.PlanType, &uc.Credits)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.UserCredits{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.UserCredits{}, err
	}
	return uc, nil
}
