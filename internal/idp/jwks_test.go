package idp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"codecanvas.io/internal/auth"
)

const testIssuer = "https://id.codecanvas.dev"

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type provider struct {
	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
	hits atomic.Int32
	fail atomic.Bool
	srv  *httptest.Server
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{keys: map[string]*rsa.PrivateKey{}}
	p.addKey(t, "k1")
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		if p.fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		p.mu.Lock()
		var set jose.JSONWebKeySet
		for kid, k := range p.keys {
			set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.PublicKey, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"})
		}
		p.mu.Unlock()
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *provider) addKey(t *testing.T, kid string) {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p.mu.Lock()
	p.keys[kid] = k
	p.mu.Unlock()
}

func (p *provider) sign(t *testing.T, kid string, std jwt.Claims, custom providerClaims) string {
	t.Helper()
	p.mu.Lock()
	k := p.keys[kid]
	p.mu.Unlock()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: k, KeyID: kid}},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}

func claims(subject string) jwt.Claims {
	return jwt.Claims{
		Issuer:   testIssuer,
		Subject:  subject,
		Audience: jwt.Audience{"codecanvas"},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
}

func newVerifier(t *testing.T, p *provider, opts ...JWKSOption) *JWKSVerifier {
	t.Helper()
	base := []JWKSOption{WithClock(func() time.Time { return now }), WithAudience("codecanvas"), WithMinRefresh(0)}
	v, err := NewJWKSVerifier(p.srv.URL, testIssuer, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewJWKSVerifier: %v", err)
	}
	return v
}

func TestVerifyIdentityAssertion(t *testing.T) {
	p := newProvider(t)
	v := newVerifier(t, p)

	raw := p.sign(t, "k1", claims("user_123"), providerClaims{SessionID: "sess_1", Email: "dev@example.com"})
	got, err := v.VerifyIdentityAssertion(context.Background(), raw)
	if err != nil {
		t.Fatalf("VerifyIdentityAssertion: %v", err)
	}
	if got.Subject != "user_123" || got.SessionID != "sess_1" || got.Email != "dev@example.com" {
		t.Fatalf("unexpected assertion: %+v", got)
	}
	if !got.Expiry.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expiry = %v", got.Expiry)
	}

	if _, err := v.VerifyIdentityAssertion(context.Background(), raw); err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if hits := p.hits.Load(); hits != 1 {
		t.Fatalf("jwks fetched %d times, want 1", hits)
	}
}

func TestVerifyIdentityAssertionRejects(t *testing.T) {
	p := newProvider(t)
	v := newVerifier(t, p)

	wrongIssuer := claims("user_123")
	wrongIssuer.Issuer = "https://evil.example"
	expired := claims("user_123")
	expired.Expiry = jwt.NewNumericDate(now.Add(-time.Minute))
	wrongAudience := claims("user_123")
	wrongAudience.Audience = jwt.Audience{"someone-else"}
	noSubject := claims("")

	cases := map[string]string{
		"garbage":        "not-a-jwt",
		"empty":          "",
		"wrong issuer":   p.sign(t, "k1", wrongIssuer, providerClaims{}),
		"expired":        p.sign(t, "k1", expired, providerClaims{}),
		"wrong audience": p.sign(t, "k1", wrongAudience, providerClaims{}),
		"no subject":     p.sign(t, "k1", noSubject, providerClaims{}),
		"hmac":           hmacToken(t),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyIdentityAssertion(context.Background(), raw)
			if !errors.Is(err, auth.ErrInvalidAssertion) {
				t.Fatalf("expected ErrInvalidAssertion, got %v", err)
			}
		})
	}
}

func TestVerifyIdentityAssertionKeyRotation(t *testing.T) {
	p := newProvider(t)
	v := newVerifier(t, p)

	if _, err := v.VerifyIdentityAssertion(context.Background(), p.sign(t, "k1", claims("user_123"), providerClaims{})); err != nil {
		t.Fatalf("verify with k1: %v", err)
	}
	p.addKey(t, "k2")
	if _, err := v.VerifyIdentityAssertion(context.Background(), p.sign(t, "k2", claims("user_123"), providerClaims{})); err != nil {
		t.Fatalf("verify with rotated key: %v", err)
	}
	if hits := p.hits.Load(); hits != 2 {
		t.Fatalf("jwks fetched %d times, want 2", hits)
	}
}

func TestVerifyIdentityAssertionProviderDown(t *testing.T) {
	p := newProvider(t)
	p.fail.Store(true)
	v := newVerifier(t, p)

	_, err := v.VerifyIdentityAssertion(context.Background(), p.sign(t, "k1", claims("user_123"), providerClaims{}))
	if !errors.Is(err, auth.ErrCollaborator) {
		t.Fatalf("expected ErrCollaborator, got %v", err)
	}
	if auth.IsCredentialRejected(err) {
		t.Fatal("outage must not look like a rejected credential")
	}
}

func TestNewJWKSVerifierRequiresConfig(t *testing.T) {
	if _, err := NewJWKSVerifier("", testIssuer); !errors.Is(err, auth.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestDevVerifier(t *testing.T) {
	v := DevVerifier{Now: func() time.Time { return now }}
	got, err := v.VerifyIdentityAssertion(context.Background(), "dev:user_123")
	if err != nil {
		t.Fatalf("VerifyIdentityAssertion: %v", err)
	}
	if got.Subject != "user_123" || !got.Expiry.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected assertion: %+v", got)
	}
	for _, raw := range []string{"", "dev:", "user_123", "prod:user_123"} {
		if _, err := v.VerifyIdentityAssertion(context.Background(), raw); !errors.Is(err, auth.ErrInvalidAssertion) {
			t.Fatalf("%q: expected ErrInvalidAssertion, got %v", raw, err)
		}
	}
}

func hmacToken(t *testing.T) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")}, nil)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	raw, err := jwt.Signed(signer).Claims(claims("user_123")).Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}
