package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"codecanvas.io/internal/auth"
)

// IssueExtensionToken serializes issuance per identity with a transaction
// scoped advisory lock, revokes what is active and inserts tok. The partial
// unique index on active tokens backs the same rule at the schema level.
func (s *Store) IssueExtensionToken(ctx context.Context, tok auth.ExtensionToken, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", auth.ErrRevocationFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, tok.Identity); err != nil {
		return 0, fmt.Errorf("%w: %w", auth.ErrRevocationFailed, err)
	}
	res, err := tx.ExecContext(ctx, `
		update extension_tokens set revoked_at = $2
		where identity = $1 and revoked_at is null
	`, tok.Identity, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", auth.ErrRevocationFailed, err)
	}
	revoked, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", auth.ErrRevocationFailed, err)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into extension_tokens (id, identity, token_hash, label, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.Identity, tok.TokenHash, nullIfEmpty(tok.Label), tok.CreatedAt, tok.ExpiresAt); err != nil {
		if isUniqueViolation(err) {
			return 0, auth.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return 0, auth.ErrUserNotFound
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return revoked, nil
}

func (s *Store) RevokeExtensionTokensForUser(ctx context.Context, identity string, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update extension_tokens set revoked_at = $2
		where identity = $1 and revoked_at is null
	`, identity, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) RevokeExtensionTokenByHash(ctx context.Context, identity, hash string, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update extension_tokens set revoked_at = $3
		where identity = $1 and token_hash = $2 and revoked_at is null
	`, identity, hash, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetExtensionTokenByHash(ctx context.Context, hash string) (auth.ExtensionToken, error) {
	if s.db == nil {
		return auth.ExtensionToken{}, errNoDB
	}
	var (
		tok      auth.ExtensionToken
		revoked  sql.NullTime
		lastUsed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, identity, token_hash, coalesce(label,''), created_at, expires_at, revoked_at, last_used_at
		from extension_tokens where token_hash = $1
	`, hash).Scan(&tok.ID, &tok.Identity, &tok.TokenHash, &tok.Label, &tok.CreatedAt, &tok.ExpiresAt, &revoked, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ExtensionToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.ExtensionToken{}, err
	}
	tok.RevokedAt = timePtr(revoked)
	tok.LastUsedAt = timePtr(lastUsed)
	return tok, nil
}

func (s *Store) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `update extension_tokens set last_used_at = $2 where id = $1`, id, now)
	return err
}
