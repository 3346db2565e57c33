package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"codecanvas.io/internal/bounded"
	"codecanvas.io/internal/obs"
)

const (
	defaultExchangeTTL = 10 * time.Minute
	stateBytes         = 32
	codeBytes          = 16 // 32 hex characters
	verifierBytes      = 32 // 43 base64url characters
	maxStateLen        = 256
	maxCodeLen         = 512
	maxRedirectLen     = 2048
)

var (
	// RFC 7636 section 4.1
	verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)
	// base64url SHA-256 without padding
	challengePattern = regexp.MustCompile(`^[A-Za-z0-9\-_]{43}$`)
	statePattern     = regexp.MustCompile(`^[A-Za-z0-9\-._~]{16,256}$`)
)

// InitiateRequest starts a PKCE handshake.
type InitiateRequest struct {
	RedirectURI         string
	ClientState         string
	CodeChallenge       string
	CodeChallengeMethod string
}

// InitiateResult is returned to the extension that opened the handshake.
type InitiateResult struct {
	AuthURL             string `json:"auth_url"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	// CodeVerifier is only set in fallback mode, where the server made the pair.
	CodeVerifier string    `json:"code_verifier,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RedeemRequest exchanges a completed handshake for the identity behind it.
type RedeemRequest struct {
	State             string
	AuthorizationCode string
	CodeVerifier      string
	RedirectURI       string
}

// ExchangeService brokers one-time authorization codes between the editor
// extension and the web sign-in flow. All handshake state lives in the
// store with an explicit expiry; nothing is kept in process memory.
type ExchangeService struct {
	exchanges    ExchangeStore
	users        UserStore
	signInURL    *url.URL
	ttl          time.Duration
	storeTimeout time.Duration
	now          func() time.Time
}

// ExchangeOption configures ExchangeService behavior.
type ExchangeOption func(*ExchangeService) error

// WithExchangeTTL overrides the 10 minute exchange lifetime.
func WithExchangeTTL(ttl time.Duration) ExchangeOption {
	return func(s *ExchangeService) error {
		if ttl > 0 {
			s.ttl = ttl
		}
		return nil
	}
}

// WithExchangeClock overrides time source (useful for tests).
func WithExchangeClock(fn func() time.Time) ExchangeOption {
	return func(s *ExchangeService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithExchangeStoreTimeout bounds every store call.
func WithExchangeStoreTimeout(d time.Duration) ExchangeOption {
	return func(s *ExchangeService) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// NewExchangeService constructs the engine. signInURL is the web page the
// extension opens; handshake parameters are appended to its query.
func NewExchangeService(exchanges ExchangeStore, users UserStore, signInURL string, opts ...ExchangeOption) (*ExchangeService, error) {
	u, err := url.Parse(strings.TrimSpace(signInURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: sign-in url must be absolute", ErrConfiguration)
	}
	svc := &ExchangeService{
		exchanges:    exchanges,
		users:        users,
		signInURL:    u,
		ttl:          defaultExchangeTTL,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Initiate persists a new exchange record and returns the URL to open.
// When the client sends no challenge the server generates the verifier
// and hands it back in this response only.
func (s *ExchangeService) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Initiate")
	defer span.End()

	if s.exchanges == nil {
		return InitiateResult{}, fmt.Errorf("%w: exchange storage is not configured", ErrConfiguration)
	}
	redirectURI, err := validateRedirectURI(req.RedirectURI)
	if err != nil {
		return InitiateResult{}, err
	}

	rec := ExchangeRecord{RedirectURI: redirectURI}
	rec.CodeChallenge = strings.TrimSpace(req.CodeChallenge)
	method := strings.TrimSpace(req.CodeChallengeMethod)
	if rec.CodeChallenge != "" {
		if method == "" {
			method = ChallengeMethodS256
		}
		if method != ChallengeMethodS256 {
			return InitiateResult{}, fmt.Errorf("%w: code_challenge_method must be S256", ErrValidation)
		}
		if !challengePattern.MatchString(rec.CodeChallenge) {
			return InitiateResult{}, fmt.Errorf("%w: malformed code_challenge", ErrValidation)
		}
	} else {
		if method != "" && method != ChallengeMethodS256 {
			return InitiateResult{}, fmt.Errorf("%w: code_challenge_method must be S256", ErrValidation)
		}
		verifier, err := randomToken(verifierBytes, base64.RawURLEncoding.EncodeToString)
		if err != nil {
			return InitiateResult{}, err
		}
		rec.CodeVerifier = verifier
		rec.CodeChallenge = ComputeS256Challenge(verifier)
	}
	rec.CodeChallengeMethod = ChallengeMethodS256

	rec.State = strings.TrimSpace(req.ClientState)
	if rec.State != "" {
		if !statePattern.MatchString(rec.State) {
			return InitiateResult{}, fmt.Errorf("%w: state must be 16-256 unreserved characters", ErrValidation)
		}
	} else if rec.State, err = randomToken(stateBytes, base64.RawURLEncoding.EncodeToString); err != nil {
		return InitiateResult{}, err
	}
	if rec.AuthorizationCode, err = randomToken(codeBytes, hex.EncodeToString); err != nil {
		return InitiateResult{}, err
	}

	now := s.now().UTC()
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(s.ttl)

	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.exchanges.InsertOAuthExchange(ctx, rec)
	})
	if errors.Is(err, ErrConflict) {
		return InitiateResult{}, fmt.Errorf("auth: initiate: state already in use: %w", ErrConflict)
	}
	if err != nil {
		span.SetStatus(codes.Error, "insert exchange")
		return InitiateResult{}, fmt.Errorf("auth: initiate: %w: exchange storage unavailable: %w", ErrConfiguration, err)
	}

	return InitiateResult{
		AuthURL:             s.authURL(rec),
		State:               rec.State,
		CodeChallenge:       rec.CodeChallenge,
		CodeChallengeMethod: rec.CodeChallengeMethod,
		CodeVerifier:        rec.CodeVerifier,
		ExpiresAt:           rec.ExpiresAt,
	}, nil
}

// CompleteWithIdentity attaches identity to the exchange found by state and
// the exact redirect_uri, and provisions the user. It may be repeated to
// change the identity while the record is unexpired.
func (s *ExchangeService) CompleteWithIdentity(ctx context.Context, state, identity, redirectURI string, hints ProfileHints) (User, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.CompleteWithIdentity")
	defer span.End()

	state = strings.TrimSpace(state)
	identity = strings.TrimSpace(identity)
	redirectURI = strings.TrimSpace(redirectURI)
	if state == "" || identity == "" || redirectURI == "" {
		return User{}, fmt.Errorf("%w: state, identity and redirect_uri are required", ErrValidation)
	}

	now := s.now().UTC()
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		_, err := s.exchanges.GetOAuthExchangeByStateAndRedirect(ctx, state, redirectURI, now)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidOrExpiredCode
	}
	if err != nil {
		span.SetStatus(codes.Error, "lookup exchange")
		return User{}, collaborator("complete exchange", err)
	}

	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.exchanges.UpdateOAuthExchange(ctx, state, ExchangeUpdate{Identity: &identity}, now)
	})
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidOrExpiredCode
	}
	if err != nil {
		span.SetStatus(codes.Error, "update exchange")
		return User{}, collaborator("complete exchange", err)
	}
	return s.upsertUser(ctx, identity, hints, now)
}

// AttachAuthorizationCode is the completion path used by clients that mint
// their own authorization code. An expired record is deleted and the call
// fails with ErrSessionExpired.
func (s *ExchangeService) AttachAuthorizationCode(ctx context.Context, state, identity, code string, hints ProfileHints) (User, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.AttachAuthorizationCode")
	defer span.End()

	state = strings.TrimSpace(state)
	identity = strings.TrimSpace(identity)
	code = strings.TrimSpace(code)
	if state == "" || identity == "" || code == "" {
		return User{}, fmt.Errorf("%w: state, identity and authorization_code are required", ErrValidation)
	}
	if len(code) > maxCodeLen {
		return User{}, fmt.Errorf("%w: authorization_code is too long", ErrValidation)
	}

	now := s.now().UTC()
	var rec ExchangeRecord
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		rec, err = s.exchanges.GetOAuthExchange(ctx, state)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrSessionExpired
	}
	if err != nil {
		span.SetStatus(codes.Error, "lookup exchange")
		return User{}, collaborator("attach authorization code", err)
	}
	if rec.Expired(now) {
		if err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
			return s.exchanges.DeleteOAuthExchange(ctx, state)
		}); err != nil && !errors.Is(err, ErrNotFound) {
			return User{}, collaborator("attach authorization code", err)
		}
		return User{}, ErrSessionExpired
	}

	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.exchanges.UpdateOAuthExchange(ctx, state, ExchangeUpdate{Identity: &identity, AuthorizationCode: &code}, now)
	})
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrSessionExpired
	}
	if err != nil {
		span.SetStatus(codes.Error, "update exchange")
		return User{}, collaborator("attach authorization code", err)
	}
	return s.upsertUser(ctx, identity, hints, now)
}

// Redeem consumes a completed exchange and returns the user it was bound
// to. The record is removed before the code and verifier are checked, so a
// failed attempt burns the handshake.
func (s *ExchangeService) Redeem(ctx context.Context, req RedeemRequest) (User, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Redeem")
	defer span.End()

	state := strings.TrimSpace(req.State)
	redirectURI := strings.TrimSpace(req.RedirectURI)
	code := strings.TrimSpace(req.AuthorizationCode)
	verifier := strings.TrimSpace(req.CodeVerifier)
	if state == "" || redirectURI == "" || code == "" {
		return User{}, fmt.Errorf("%w: state, redirect_uri and authorization_code are required", ErrValidation)
	}
	if !verifierPattern.MatchString(verifier) {
		return User{}, fmt.Errorf("%w: malformed code_verifier", ErrValidation)
	}

	now := s.now().UTC()
	var pending ExchangeRecord
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		pending, err = s.exchanges.GetOAuthExchangeByStateAndRedirect(ctx, state, redirectURI, now)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidOrExpiredCode
	}
	if err != nil {
		return User{}, collaborator("redeem exchange", err)
	}
	if pending.Identity == "" {
		// sign-in has not finished; leave the record for a later attempt
		return User{}, fmt.Errorf("%w: exchange not completed", ErrInvalidOrExpiredCode)
	}

	var rec ExchangeRecord
	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		rec, err = s.exchanges.ConsumeOAuthExchange(ctx, state, redirectURI, now)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrInvalidOrExpiredCode
	}
	if err != nil {
		span.SetStatus(codes.Error, "consume exchange")
		return User{}, collaborator("redeem exchange", err)
	}
	if rec.Identity == "" || subtle.ConstantTimeCompare([]byte(rec.AuthorizationCode), []byte(code)) != 1 {
		return User{}, ErrInvalidOrExpiredCode
	}
	if !VerifyS256(verifier, rec.CodeChallenge) {
		return User{}, ErrInvalidOrExpiredCode
	}

	var user User
	err = bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetUserByIdentity(ctx, rec.Identity)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, collaborator("redeem exchange", err)
	}
	return user, nil
}

// PurgeExpired deletes exchange records past their expiry.
func (s *ExchangeService) PurgeExpired(ctx context.Context) (int64, error) {
	var n int64
	err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		n, err = s.exchanges.PurgeExpiredExchanges(ctx, s.now().UTC())
		return err
	})
	if err != nil {
		return 0, collaborator("purge exchanges", err)
	}
	return n, nil
}

func (s *ExchangeService) upsertUser(ctx context.Context, identity string, hints ProfileHints, now time.Time) (User, error) {
	hints.Email = strings.TrimSpace(strings.ToLower(hints.Email))
	hints.Username = strings.TrimSpace(hints.Username)
	var user User
	err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		user, err = s.users.UpsertUser(ctx, identity, hints, now)
		return err
	})
	if err != nil {
		return User{}, collaborator("upsert user", err)
	}
	return user, nil
}

func (s *ExchangeService) authURL(rec ExchangeRecord) string {
	u := *s.signInURL
	q := u.Query()
	q.Set("state", rec.State)
	q.Set("redirect_uri", rec.RedirectURI)
	q.Set("code", rec.AuthorizationCode)
	q.Set("code_challenge", rec.CodeChallenge)
	q.Set("code_challenge_method", rec.CodeChallengeMethod)
	u.RawQuery = q.Encode()
	return u.String()
}

// ComputeS256Challenge derives the PKCE challenge of verifier.
func ComputeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyS256 reports whether verifier hashes to challenge.
func VerifyS256(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(ComputeS256Challenge(verifier)), []byte(challenge)) == 1
}

func validateRedirectURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: redirect_uri is required", ErrValidation)
	}
	if len(raw) > maxRedirectLen {
		return "", fmt.Errorf("%w: redirect_uri is too long", ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "", fmt.Errorf("%w: redirect_uri must be an absolute uri", ErrValidation)
	}
	if u.Fragment != "" {
		return "", fmt.Errorf("%w: redirect_uri must not contain a fragment", ErrValidation)
	}
	return raw, nil
}

func randomToken(n int, encode func([]byte) string) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: read random: %w", err)
	}
	return encode(buf), nil
}
