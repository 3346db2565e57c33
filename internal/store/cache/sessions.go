package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"codecanvas.io/internal/auth"
)

// The identity index lives at least as long as the newest session in it.
// Each script below touches a session key and the index together.

// createSession: KEYS: session, identity index.
var createSession = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then return 0 end
redis.call('SADD', KEYS[2], ARGV[3])
if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return 1
`)

// rotateSession swaps the session keys only while the old one is still bound
// to the presented refresh hash. KEYS: old, new, identity index.
var rotateSession = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local cur = cjson.decode(raw)
if cur.refresh_hash ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SREM', KEYS[3], ARGV[4])
redis.call('SADD', KEYS[3], ARGV[5])
if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[3]) then
  redis.call('PEXPIRE', KEYS[3], ARGV[3])
end
return 1
`)

// deleteSessions removes every indexed session and only the ids it read.
// KEYS: identity index. ARGV: session key prefix.
var deleteSessions = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  n = n + redis.call('DEL', ARGV[1] .. id)
  redis.call('SREM', KEYS[1], id)
end
return n
`)

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	payload, err := encodeSession(sess)
	if err != nil {
		return err
	}
	ttl := ttlUntil(sess.ExpiresAt, sess.CreatedAt)
	keys := []string{s.sessionKey(sess.ID), s.identityKey(sess.Identity)}
	n, err := createSession.Run(ctx, s.client, keys, payload, ttl.Milliseconds(), sess.ID).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string, now time.Time) (auth.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if notFound(err) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess, err := decodeSession(raw)
	if err != nil {
		return auth.Session{}, err
	}
	if !now.Before(sess.ExpiresAt) {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ReplaceSession(ctx context.Context, oldID, refreshHash string, next auth.Session, now time.Time) error {
	payload, err := encodeSession(next)
	if err != nil {
		return err
	}
	ttl := ttlUntil(next.ExpiresAt, now)
	keys := []string{s.sessionKey(oldID), s.sessionKey(next.ID), s.identityKey(next.Identity)}
	n, err := rotateSession.Run(ctx, s.client, keys, refreshHash, payload, ttl.Milliseconds(), oldID, next.ID).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSessionsForIdentity(ctx context.Context, identity string) (int64, error) {
	n, err := deleteSessions.Run(ctx, s.client, []string{s.identityKey(identity)}, s.sessionKey("")).Int64()
	if err != nil {
		return 0, err
	}
	return n, nil
}
