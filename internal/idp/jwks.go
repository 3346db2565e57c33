package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/sync/singleflight"

	"codecanvas.io/internal/auth"
)

const (
	defaultCacheTTL   = 15 * time.Minute
	defaultMinRefresh = 30 * time.Second
	defaultLeeway     = 5 * time.Second
	maxJWKSBytes      = 1 << 20
)

var allowedAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256}

type providerClaims struct {
	SessionID string `json:"sid,omitempty"`
	Email     string `json:"email,omitempty"`
}

// JWKSVerifier validates RS256/ES256 assertions against the provider's
// published key set. Keys are cached and refetched when a token names an
// unknown kid, no more than once per minRefresh.
type JWKSVerifier struct {
	url        string
	issuer     string
	audience   string
	client     *http.Client
	cacheTTL   time.Duration
	minRefresh time.Duration
	leeway     time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
	group     singleflight.Group
}

// JWKSOption configures JWKSVerifier.
type JWKSOption func(*JWKSVerifier)

func WithHTTPClient(c *http.Client) JWKSOption {
	return func(v *JWKSVerifier) {
		if c != nil {
			v.client = c
		}
	}
}

func WithAudience(aud string) JWKSOption {
	return func(v *JWKSVerifier) { v.audience = strings.TrimSpace(aud) }
}

func WithCacheTTL(d time.Duration) JWKSOption {
	return func(v *JWKSVerifier) {
		if d > 0 {
			v.cacheTTL = d
		}
	}
}

func WithMinRefresh(d time.Duration) JWKSOption {
	return func(v *JWKSVerifier) { v.minRefresh = d }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) JWKSOption {
	return func(v *JWKSVerifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// NewJWKSVerifier requires the key set URL and the expected issuer.
func NewJWKSVerifier(jwksURL, issuer string, opts ...JWKSOption) (*JWKSVerifier, error) {
	jwksURL = strings.TrimSpace(jwksURL)
	issuer = strings.TrimSpace(issuer)
	if jwksURL == "" || issuer == "" {
		return nil, fmt.Errorf("%w: identity provider jwks url and issuer are required", auth.ErrConfiguration)
	}
	v := &JWKSVerifier{
		url:        jwksURL,
		issuer:     issuer,
		client:     &http.Client{Timeout: 5 * time.Second},
		cacheTTL:   defaultCacheTTL,
		minRefresh: defaultMinRefresh,
		leeway:     defaultLeeway,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *JWKSVerifier) VerifyIdentityAssertion(ctx context.Context, bearer string) (Assertion, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Assertion{}, fmt.Errorf("%w: %w", auth.ErrInvalidAssertion, errEmptyBearer)
	}
	parsed, err := jwt.ParseSigned(bearer, allowedAlgorithms)
	if err != nil {
		return Assertion{}, fmt.Errorf("%w: parse: %w", auth.ErrInvalidAssertion, err)
	}
	if len(parsed.Headers) != 1 {
		return Assertion{}, fmt.Errorf("%w: expected one signature", auth.ErrInvalidAssertion)
	}
	kid := parsed.Headers[0].KeyID

	key, err := v.key(ctx, kid)
	if err != nil {
		return Assertion{}, err
	}

	var (
		std    jwt.Claims
		custom providerClaims
	)
	if err := parsed.Claims(key.Key, &std, &custom); err != nil {
		return Assertion{}, fmt.Errorf("%w: verify: %w", auth.ErrInvalidAssertion, err)
	}
	expected := jwt.Expected{Issuer: v.issuer, Time: v.now()}
	if v.audience != "" {
		expected.AnyAudience = jwt.Audience{v.audience}
	}
	if err := std.ValidateWithLeeway(expected, v.leeway); err != nil {
		return Assertion{}, fmt.Errorf("%w: claims: %w", auth.ErrInvalidAssertion, err)
	}
	if std.Subject == "" || std.Expiry == nil {
		return Assertion{}, fmt.Errorf("%w: subject and expiry are required", auth.ErrInvalidAssertion)
	}
	return Assertion{
		Subject:   std.Subject,
		SessionID: custom.SessionID,
		Expiry:    std.Expiry.Time(),
		Email:     custom.Email,
	}, nil
}

func (v *JWKSVerifier) key(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	v.mu.RLock()
	keys, fresh, canRefresh := v.keys, v.now().Sub(v.fetchedAt) < v.cacheTTL, v.now().Sub(v.fetchedAt) >= v.minRefresh
	v.mu.RUnlock()

	if fresh {
		if k, ok := lookup(keys, kid); ok {
			return k, nil
		}
		if !canRefresh {
			return jose.JSONWebKey{}, fmt.Errorf("%w: unknown key %q", auth.ErrInvalidAssertion, kid)
		}
	}
	if err := v.refresh(ctx); err != nil {
		return jose.JSONWebKey{}, err
	}
	v.mu.RLock()
	keys = v.keys
	v.mu.RUnlock()
	if k, ok := lookup(keys, kid); ok {
		return k, nil
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: unknown key %q", auth.ErrInvalidAssertion, kid)
}

func lookup(set jose.JSONWebKeySet, kid string) (jose.JSONWebKey, bool) {
	if kid == "" {
		if len(set.Keys) == 1 {
			return set.Keys[0], true
		}
		return jose.JSONWebKey{}, false
	}
	found := set.Key(kid)
	if len(found) == 0 {
		return jose.JSONWebKey{}, false
	}
	return found[0], true
}

// refresh collapses concurrent fetches into one request.
func (v *JWKSVerifier) refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("jwks", func() (any, error) {
		set, err := v.fetch(ctx)
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.keys = set
		v.fetchedAt = v.now()
		v.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("idp: fetch jwks: %w: %w", auth.ErrCollaborator, err)
	}
	return nil
}

func (v *JWKSVerifier) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSBytes)).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode: %w", err)
	}
	if len(set.Keys) == 0 {
		return jose.JSONWebKeySet{}, errors.New("empty key set")
	}
	return set, nil
}
