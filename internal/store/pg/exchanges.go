package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"codecanvas.io/internal/auth"
)

const exchangeColumns = `state, code_challenge, code_challenge_method, coalesce(code_verifier,''),
	redirect_uri, authorization_code, coalesce(identity,''), created_at, expires_at`

func scanExchange(row rowScanner) (auth.ExchangeRecord, error) {
	var r auth.ExchangeRecord
	err := row.Scan(&r.State, &r.CodeChallenge, &r.CodeChallengeMethod, &r.CodeVerifier,
		&r.RedirectURI, &r.AuthorizationCode, &r.Identity, &r.CreatedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	return r, err
}

func (s *Store) InsertOAuthExchange(ctx context.Context, rec auth.ExchangeRecord) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into oauth_exchanges (state, code_challenge, code_challenge_method, code_verifier,
			redirect_uri, authorization_code, identity, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rec.State, rec.CodeChallenge, rec.CodeChallengeMethod, nullIfEmpty(rec.CodeVerifier),
		rec.RedirectURI, rec.AuthorizationCode, nullIfEmpty(rec.Identity), rec.CreatedAt, rec.ExpiresAt)
	if isUniqueViolation(err) {
		return auth.ErrConflict
	}
	return err
}

func (s *Store) GetOAuthExchangeByStateAndRedirect(ctx context.Context, state, redirectURI string, now time.Time) (auth.ExchangeRecord, error) {
	if s.db == nil {
		return auth.ExchangeRecord{}, errNoDB
	}
	return scanExchange(s.db.QueryRowContext(ctx, `
		select `+exchangeColumns+` from oauth_exchanges
		where state = $1 and redirect_uri = $2 and expires_at > $3
	`, state, redirectURI, now))
}

func (s *Store) GetOAuthExchange(ctx context.Context, state string) (auth.ExchangeRecord, error) {
	if s.db == nil {
		return auth.ExchangeRecord{}, errNoDB
	}
	return scanExchange(s.db.QueryRowContext(ctx, `
		select `+exchangeColumns+` from oauth_exchanges where state = $1
	`, state))
}

func (s *Store) UpdateOAuthExchange(ctx context.Context, state string, upd auth.ExchangeUpdate, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	var (
		setClauses []string
		args       = []any{state, now}
		idx        = 3
	)
	if upd.Identity != nil {
		setClauses = append(setClauses, fmt.Sprintf("identity = $%d", idx))
		args = append(args, *upd.Identity)
		idx++
	}
	if upd.AuthorizationCode != nil {
		setClauses = append(setClauses, fmt.Sprintf("authorization_code = $%d", idx))
		args = append(args, *upd.AuthorizationCode)
	}
	if len(setClauses) == 0 {
		return nil
	}
	query := fmt.Sprintf(`update oauth_exchanges set %s where state = $1 and expires_at > $2`, strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// ConsumeOAuthExchange deletes and returns the record in one statement, so
// two concurrent redeems cannot both read it.
func (s *Store) ConsumeOAuthExchange(ctx context.Context, state, redirectURI string, now time.Time) (auth.ExchangeRecord, error) {
	if s.db == nil {
		return auth.ExchangeRecord{}, errNoDB
	}
	return scanExchange(s.db.QueryRowContext(ctx, `
		delete from oauth_exchanges
		where state = $1 and redirect_uri = $2 and expires_at > $3
		returning `+exchangeColumns,
		state, redirectURI, now))
}

func (s *Store) DeleteOAuthExchange(ctx context.Context, state string) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `delete from oauth_exchanges where state = $1`, state)
	return err
}

func (s *Store) PurgeExpiredExchanges(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from oauth_exchanges where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
