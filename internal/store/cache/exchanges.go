package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"codecanvas.io/internal/auth"
)

// consumeExchange deletes the record only when the redirect matches.
var consumeExchange = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return false end
local rec = cjson.decode(raw)
if rec.redirect_uri ~= ARGV[1] then return false end
redis.call('DEL', KEYS[1])
return raw
`)

func (s *Store) InsertOAuthExchange(ctx context.Context, rec auth.ExchangeRecord) error {
	payload, err := encodeExchange(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.exchangeKey(rec.State), payload, ttlUntil(rec.ExpiresAt, rec.CreatedAt)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrConflict
	}
	return nil
}

func (s *Store) load(ctx context.Context, state string) (auth.ExchangeRecord, error) {
	raw, err := s.client.Get(ctx, s.exchangeKey(state)).Bytes()
	if notFound(err) {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.ExchangeRecord{}, err
	}
	return decodeExchange(raw)
}

func (s *Store) GetOAuthExchangeByStateAndRedirect(ctx context.Context, state, redirectURI string, now time.Time) (auth.ExchangeRecord, error) {
	rec, err := s.load(ctx, state)
	if err != nil {
		return auth.ExchangeRecord{}, err
	}
	if rec.RedirectURI != redirectURI || rec.Expired(now) {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetOAuthExchange(ctx context.Context, state string) (auth.ExchangeRecord, error) {
	return s.load(ctx, state)
}

// UpdateOAuthExchange rewrites the record under WATCH and keeps its TTL.
func (s *Store) UpdateOAuthExchange(ctx context.Context, state string, upd auth.ExchangeUpdate, now time.Time) error {
	key := s.exchangeKey(state)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if notFound(err) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err := decodeExchange(raw)
		if err != nil {
			return err
		}
		if rec.Expired(now) {
			return auth.ErrNotFound
		}
		if upd.Identity != nil {
			rec.Identity = *upd.Identity
		}
		if upd.AuthorizationCode != nil {
			rec.AuthorizationCode = *upd.AuthorizationCode
		}
		payload, err := encodeExchange(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// lost a race with consume or another completion
		return auth.ErrNotFound
	}
	return err
}

func (s *Store) ConsumeOAuthExchange(ctx context.Context, state, redirectURI string, now time.Time) (auth.ExchangeRecord, error) {
	raw, err := consumeExchange.Run(ctx, s.client, []string{s.exchangeKey(state)}, redirectURI).Text()
	if notFound(err) {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.ExchangeRecord{}, err
	}
	rec, err := decodeExchange([]byte(raw))
	if err != nil {
		return auth.ExchangeRecord{}, err
	}
	if rec.Expired(now) {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	return rec, nil
}

func (s *Store) DeleteOAuthExchange(ctx context.Context, state string) error {
	return s.client.Del(ctx, s.exchangeKey(state)).Err()
}

// PurgeExpiredExchanges is a no-op: Redis expires the keys itself.
func (s *Store) PurgeExpiredExchanges(context.Context, time.Time) (int64, error) {
	return 0, nil
}
