package auth

import (
	"context"
	"time"
)

// UserStore reads and provisions user records.
type UserStore interface {
	GetUserByIdentity(ctx context.Context, identity string) (User, error)
	// UpsertUser creates the record or fills empty profile fields on an existing one.
	UpsertUser(ctx context.Context, identity string, hints ProfileHints, now time.Time) (User, error)
}

// ExchangeStore persists PKCE exchange records.
type ExchangeStore interface {
	// InsertOAuthExchange fails with ErrConflict when the state is taken.
	InsertOAuthExchange(ctx context.Context, rec ExchangeRecord) error
	// GetOAuthExchangeByStateAndRedirect returns only unexpired records.
	GetOAuthExchangeByStateAndRedirect(ctx context.Context, state, redirectURI string, now time.Time) (ExchangeRecord, error)
	// GetOAuthExchange returns the record regardless of expiry.
	GetOAuthExchange(ctx context.Context, state string) (ExchangeRecord, error)
	// UpdateOAuthExchange applies upd to an unexpired record; ErrNotFound otherwise.
	UpdateOAuthExchange(ctx context.Context, state string, upd ExchangeUpdate, now time.Time) error
	// ConsumeOAuthExchange atomically removes and returns an unexpired record.
	ConsumeOAuthExchange(ctx context.Context, state, redirectURI string, now time.Time) (ExchangeRecord, error)
	DeleteOAuthExchange(ctx context.Context, state string) error
	PurgeExpiredExchanges(ctx context.Context, now time.Time) (int64, error)
}

// ExtensionTokenStore persists long-lived token hashes.
type ExtensionTokenStore interface {
	// IssueExtensionToken revokes every active token of tok.Identity and
	// inserts tok as one atomic step. A failure in the revoke step is
	// reported wrapped with ErrRevocationFailed and nothing is inserted.
	IssueExtensionToken(ctx context.Context, tok ExtensionToken, now time.Time) (revoked int64, err error)
	RevokeExtensionTokensForUser(ctx context.Context, identity string, now time.Time) (int64, error)
	// RevokeExtensionTokenByHash revokes the matching active token owned by identity.
	RevokeExtensionTokenByHash(ctx context.Context, identity, hash string, now time.Time) (int64, error)
	GetExtensionTokenByHash(ctx context.Context, hash string) (ExtensionToken, error)
	TouchLastUsed(ctx context.Context, id string, now time.Time) error
}

// SessionStore persists editor sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns only unexpired sessions.
	GetSession(ctx context.Context, id string, now time.Time) (Session, error)
	// ReplaceSession retires oldID and installs next in one step. It fails
	// with ErrNotFound unless oldID is live and still bound to refreshHash,
	// so concurrent rotations of one refresh token have a single winner.
	ReplaceSession(ctx context.Context, oldID, refreshHash string, next Session, now time.Time) error
	DeleteSessionsForIdentity(ctx context.Context, identity string) (int64, error)
}
