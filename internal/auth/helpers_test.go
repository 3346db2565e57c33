package auth_test

import (
	"sync"
	"testing"
	"time"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/store/memory"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

var cheapHash = auth.HashParams{Time: 1, Memory: 64, Threads: 1, KeyLen: 32}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTokenService(t *testing.T, store *memory.Store, clock *fakeClock, opts ...auth.TokenOption) *auth.TokenService {
	t.Helper()
	base := []auth.TokenOption{
		auth.WithClock(clock.Now),
		auth.WithHashParams(cheapHash),
		auth.WithIssuer("codecanvas"),
		auth.WithAudience("codecanvas-extension"),
	}
	svc, err := auth.NewTokenService(store, store, store, testSecret, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc
}

func newExchangeService(t *testing.T, store *memory.Store, clock *fakeClock) *auth.ExchangeService {
	t.Helper()
	svc, err := auth.NewExchangeService(store, store, "https://codecanvas.io/extension/sign-in",
		auth.WithExchangeClock(clock.Now))
	if err != nil {
		t.Fatalf("NewExchangeService: %v", err)
	}
	return svc
}

func seedUser(store *memory.Store, identity string) auth.User {
	u := auth.User{Identity: identity, Email: identity + "@example.com", PlanType: "pro", Credits: 250}
	store.PutUser(u)
	return u
}

func activeTokens(store *memory.Store, identity string) int {
	n := 0
	for _, tok := range store.ExtensionTokens(identity) {
		if tok.RevokedAt == nil {
			n++
		}
	}
	return n
}
