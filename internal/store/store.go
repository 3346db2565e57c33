// Package store assembles the credential store for a deployment: PostgreSQL
// for durable records, optionally Redis for exchanges and sessions, or the
// in-process store in development mode.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/config"
	"codecanvas.io/internal/entitlement"
	"codecanvas.io/internal/store/cache"
	"codecanvas.io/internal/store/memory"
	"codecanvas.io/internal/store/pg"
)

// Pinger is implemented by every backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Set is the store wiring handed to the engines.
type Set struct {
	Users        auth.UserStore
	Exchanges    auth.ExchangeStore
	Tokens       auth.ExtensionTokenStore
	Sessions     auth.SessionStore
	Entitlements entitlement.Store

	// Backend names, for logging.
	Durable   string
	Ephemeral string

	pingers []Pinger
	closers []io.Closer
}

// Pingers returns every backend the readiness check should check.
func (s *Set) Pingers() []Pinger { return s.pingers }

// Close releases every backend connection.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the set described by cfg. Connections are verified before
// returning.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Set, error) {
	set := &Set{}

	if cfg.PostgresDSN == "" {
		if !cfg.DevMode {
			return nil, fmt.Errorf("%w: CODECANVAS_PG_DSN is required outside dev mode", config.ErrConfiguration)
		}
		logger.Warn().Msg("no database configured; using the in-memory credential store")
		mem := memory.New()
		set.Users, set.Exchanges, set.Tokens, set.Sessions, set.Entitlements = mem, mem, mem, mem, mem
		set.Durable, set.Ephemeral = "memory", "memory"
		set.pingers = append(set.pingers, mem)
	} else {
		db, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		set.closers = append(set.closers, db)
		if err := pingWithin(ctx, db, 5*time.Second); err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		set.Users, set.Exchanges, set.Tokens, set.Sessions, set.Entitlements = db, db, db, db, db
		set.Durable, set.Ephemeral = "postgres", "postgres"
		set.pingers = append(set.pingers, db)
	}

	if cfg.RedisURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := cache.Dial(dialCtx, cfg.RedisURL)
		cancel()
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.closers = append(set.closers, client)
		rc := cache.New(client, "")
		set.Exchanges, set.Sessions = rc, rc
		set.Ephemeral = "redis"
		set.pingers = append(set.pingers, rc)
	}

	logger.Info().Str("durable", set.Durable).Str("ephemeral", set.Ephemeral).Msg("credential store ready")
	return set, nil
}

func pingWithin(ctx context.Context, p Pinger, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return p.Ping(ctx)
}
