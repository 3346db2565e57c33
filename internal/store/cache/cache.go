// Package cache keeps PKCE exchanges and editor sessions in Redis, where
// native key expiry replaces the purge job.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"codecanvas.io/internal/auth"
)

const defaultPrefix = "codecanvas:"

// Store implements auth.ExchangeStore and auth.SessionStore.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ auth.ExchangeStore = (*Store)(nil)
	_ auth.SessionStore  = (*Store)(nil)
)

// New constructs a Redis-backed store. An empty prefix uses "codecanvas:".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Dial parses a redis:// URL and checks the connection.
func Dial(ctx context.Context, rawURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) exchangeKey(state string) string { return s.prefix + "exchange:" + state }
func (s *Store) sessionKey(id string) string     { return s.prefix + "session:" + id }
func (s *Store) identityKey(identity string) string {
	return s.prefix + "identity-sessions:" + identity
}

// ttlUntil never returns less than one millisecond so SET PX stays valid.
func ttlUntil(expires, now time.Time) time.Duration {
	d := expires.Sub(now)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

type exchangeDoc struct {
	State               string    `json:"state"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	CodeVerifier        string    `json:"code_verifier,omitempty"`
	RedirectURI         string    `json:"redirect_uri"`
	AuthorizationCode   string    `json:"authorization_code"`
	Identity            string    `json:"identity,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func encodeExchange(r auth.ExchangeRecord) ([]byte, error) {
	return json.Marshal(exchangeDoc(r))
}

func decodeExchange(raw []byte) (auth.ExchangeRecord, error) {
	var d exchangeDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		return auth.ExchangeRecord{}, fmt.Errorf("decode exchange: %w", err)
	}
	return auth.ExchangeRecord(d), nil
}

type sessionDoc struct {
	ID          string          `json:"id"`
	Identity    string          `json:"identity"`
	RefreshHash string          `json:"refresh_hash"`
	Client      auth.ClientMeta `json:"client"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

func encodeSession(s auth.Session) ([]byte, error) {
	return json.Marshal(sessionDoc(s))
}

func decodeSession(raw []byte) (auth.Session, error) {
	var d sessionDoc
	if err := json.Unmarshal(raw, &d); err != nil {
		return auth.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return auth.Session(d), nil
}

func notFound(err error) bool { return errors.Is(err, redis.Nil) }
