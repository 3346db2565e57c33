package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"codecanvas.io/internal/auth"
)

const insertSession = `
	insert into sessions (id, identity, refresh_hash, client_name, client_version, client_platform,
		ip, user_agent, created_at, expires_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execInsertSession(ctx context.Context, db execer, sess auth.Session) error {
	_, err := db.ExecContext(ctx, insertSession,
		sess.ID, sess.Identity, sess.RefreshHash,
		nullIfEmpty(sess.Client.Name), nullIfEmpty(sess.Client.Version), nullIfEmpty(sess.Client.Platform),
		nullIfEmpty(sess.Client.IP), nullIfEmpty(sess.Client.UserAgent),
		sess.CreatedAt, sess.ExpiresAt)
	switch {
	case isUniqueViolation(err):
		return auth.ErrConflict
	case isForeignKeyViolation(err):
		return auth.ErrUserNotFound
	}
	return err
}

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	if s.db == nil {
		return errNoDB
	}
	return execInsertSession(ctx, s.db, sess)
}

func (s *Store) GetSession(ctx context.Context, id string, now time.Time) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errNoDB
	}
	var sess auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, identity, refresh_hash, coalesce(client_name,''), coalesce(client_version,''),
			coalesce(client_platform,''), coalesce(ip,''), coalesce(user_agent,''), created_at, expires_at
		from sessions where id = $1 and expires_at > $2
	`, id, now).Scan(&sess.ID, &sess.Identity, &sess.RefreshHash, &sess.Client.Name, &sess.Client.Version,
		&sess.Client.Platform, &sess.Client.IP, &sess.Client.UserAgent, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	return sess, nil
}

// ReplaceSession deletes the old row under its row lock; a concurrent
// rotation blocks on that lock and then deletes nothing.
func (s *Store) ReplaceSession(ctx context.Context, oldID, refreshHash string, next auth.Session, now time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		delete from sessions where id = $1 and refresh_hash = $2 and expires_at > $3
	`, oldID, refreshHash, now)
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
	if err := execInsertSession(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteSessionsForIdentity(ctx context.Context, identity string) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where identity = $1`, identity)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
