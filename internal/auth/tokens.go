package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"codecanvas.io/internal/bounded"
	"codecanvas.io/internal/ids"
	"codecanvas.io/internal/obs"
)

const (
	defaultAccessTTL       = time.Hour
	defaultRefreshTTL      = 30 * 24 * time.Hour
	defaultExtensionMonths = 4
	defaultStoreTimeout    = 5 * time.Second
	clockSkew              = 5 * time.Second
	minSecretLen           = 32
	defaultTokenLabel      = "editor extension"
	maxLabelLen            = 128
)

// AccessClaims is the payload of a stateless access token.
type AccessClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a session refresh token.
type RefreshClaims struct {
	Type      string `json:"type"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// ExtensionClaims is the payload of a long-lived extension token.
type ExtensionClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// TokenService mints, verifies, rotates and revokes bearer tokens.
// Access tokens are verified by signature and claims alone; extension and
// refresh tokens also need a live record in the store.
type TokenService struct {
	users    UserStore
	tokens   ExtensionTokenStore
	sessions SessionStore

	secret          []byte
	hasher          *TokenHasher
	hashParams      HashParams
	issuer          string
	audience        string
	accessTTL       time.Duration
	refreshTTL      time.Duration
	extensionMonths int
	storeTimeout    time.Duration
	now             func() time.Time
	logger          zerolog.Logger
}

// TokenOption configures TokenService behavior.
type TokenOption func(*TokenService) error

// WithIssuer sets the iss claim of extension tokens.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAudience sets the aud claim of extension tokens.
func WithAudience(audience string) TokenOption {
	return func(s *TokenService) error {
		s.audience = strings.TrimSpace(audience)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures session and refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithExtensionMonths configures the calendar lifetime of extension tokens.
func WithExtensionMonths(months int) TokenOption {
	return func(s *TokenService) error {
		if months > 0 {
			s.extensionMonths = months
		}
		return nil
	}
}

// WithHashParams overrides the argon2id cost (tests use a cheap one).
func WithHashParams(p HashParams) TokenOption {
	return func(s *TokenService) error {
		s.hashParams = p
		return nil
	}
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) TokenOption {
	return func(s *TokenService) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the logger used for non-fatal store failures.
func WithLogger(l zerolog.Logger) TokenOption {
	return func(s *TokenService) error {
		s.logger = l
		return nil
	}
}

// NewTokenService constructs the engine. The secret must be at least 32 bytes.
func NewTokenService(users UserStore, tokens ExtensionTokenStore, sessions SessionStore, secret string, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", ErrConfiguration, minSecretLen)
	}
	if users == nil || tokens == nil || sessions == nil {
		return nil, fmt.Errorf("%w: credential store is required", ErrConfiguration)
	}
	svc := &TokenService{
		users:           users,
		tokens:          tokens,
		sessions:        sessions,
		secret:          []byte(secret),
		hashParams:      DefaultHashParams,
		accessTTL:       defaultAccessTTL,
		refreshTTL:      defaultRefreshTTL,
		extensionMonths: defaultExtensionMonths,
		storeTimeout:    defaultStoreTimeout,
		now:             time.Now,
		logger:          obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.hasher = NewTokenHasher(svc.secret, svc.hashParams)
	return svc, nil
}

// Hasher exposes the token hasher shared with the store layer's callers.
func (s *TokenService) Hasher() *TokenHasher { return s.hasher }

// IssueAccessToken signs {sub, type:"access", iat, exp}. Nothing is persisted.
func (s *TokenService) IssueAccessToken(identity string) (IssuedToken, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return IssuedToken{}, fmt.Errorf("%w: identity is required", ErrValidation)
	}
	now := s.now().UTC()
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		Type: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := s.sign(claims)
	if err != nil {
		return IssuedToken{}, err
	}
	obs.TokensIssued.WithLabelValues("access").Inc()
	return IssuedToken{Token: token, ExpiresAt: exp}, nil
}

// VerifyAccessToken checks signature, expiry (5s skew) and the type claim.
// Every failure is ErrInvalidToken.
func (s *TokenService) VerifyAccessToken(token string) (AccessClaims, error) {
	var claims AccessClaims
	if _, err := s.parse(strings.TrimSpace(token), &claims); err != nil {
		obs.TokenVerifications.WithLabelValues("access", "invalid").Inc()
		return AccessClaims{}, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess || claims.Subject == "" {
		obs.TokenVerifications.WithLabelValues("access", "invalid").Inc()
		return AccessClaims{}, ErrInvalidToken
	}
	obs.TokenVerifications.WithLabelValues("access", "ok").Inc()
	return claims, nil
}

// IssueLongLivedToken revokes every active extension token of identity and
// stores the hash of a fresh one in the same atomic store step. The raw
// token is returned once and cannot be recovered afterwards.
func (s *TokenService) IssueLongLivedToken(ctx context.Context, identity, label string) (IssuedToken, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.IssueLongLivedToken")
	defer span.End()

	identity = strings.TrimSpace(identity)
	if identity == "" {
		return IssuedToken{}, fmt.Errorf("%w: identity is required", ErrValidation)
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = defaultTokenLabel
	}
	if len(label) > maxLabelLen {
		return IssuedToken{}, fmt.Errorf("%w: label exceeds %d characters", ErrValidation, maxLabelLen)
	}

	if _, err := s.lookupUser(ctx, identity); err != nil {
		span.SetStatus(codes.Error, "user lookup")
		return IssuedToken{}, err
	}

	now := s.now().UTC()
	exp := now.AddDate(0, s.extensionMonths, 0)
	claims := ExtensionClaims{
		Type: TokenTypeExtension,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    s.issuer,
			Audience:  s.audienceClaim(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.NewTokenID(),
		},
	}
	token, err := s.sign(claims)
	if err != nil {
		return IssuedToken{}, err
	}

	rec := ExtensionToken{
		ID:        ids.NewAt(now),
		Identity:  identity,
		TokenHash: s.hasher.Hash(token),
		Label:     label,
		CreatedAt: now,
		ExpiresAt: exp,
	}
	var revoked int64
	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		revoked, err = s.tokens.IssueExtensionToken(ctx, rec, now)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, "issue")
		if errors.Is(err, ErrRevocationFailed) {
			return IssuedToken{}, fmt.Errorf("auth: issue long-lived token: %w", err)
		}
		if errors.Is(err, ErrUserNotFound) {
			return IssuedToken{}, err
		}
		return IssuedToken{}, collaborator("issue long-lived token", err)
	}
	span.SetAttributes(attribute.Int64("tokens.revoked", revoked))
	obs.TokensIssued.WithLabelValues("extension").Inc()
	return IssuedToken{Token: token, ExpiresAt: exp, Label: label}, nil
}

// VerifyLongLivedToken validates an extension token and returns the owner's
// public profile. last_used_at is refreshed best effort.
func (s *TokenService) VerifyLongLivedToken(ctx context.Context, token string) (Profile, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.VerifyLongLivedToken")
	defer span.End()

	profile, err := s.verifyLongLived(ctx, strings.TrimSpace(token))
	if err != nil {
		result := "invalid"
		if errors.Is(err, ErrCollaborator) {
			result = "error"
		}
		obs.TokenVerifications.WithLabelValues("extension", result).Inc()
		span.SetStatus(codes.Error, result)
		return Profile{}, err
	}
	obs.TokenVerifications.WithLabelValues("extension", "ok").Inc()
	return profile, nil
}

func (s *TokenService) verifyLongLived(ctx context.Context, token string) (Profile, error) {
	var claims ExtensionClaims
	opts := []jwt.ParserOption{}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	if _, err := s.parse(token, &claims, opts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Profile{}, ErrTokenExpired
		}
		return Profile{}, ErrInvalidToken
	}
	if claims.Type != TokenTypeExtension || claims.Subject == "" {
		return Profile{}, ErrInvalidToken
	}

	hash := s.hasher.Hash(token)
	var rec ExtensionToken
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		rec, err = s.tokens.GetExtensionTokenByHash(ctx, hash)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return Profile{}, ErrTokenNotFound
	}
	if err != nil {
		return Profile{}, collaborator("verify long-lived token", err)
	}
	if rec.Identity != claims.Subject {
		return Profile{}, ErrTokenNotFound
	}
	now := s.now().UTC()
	if rec.RevokedAt != nil {
		return Profile{}, ErrTokenRevoked
	}
	if !now.Before(rec.ExpiresAt) {
		return Profile{}, ErrTokenExpired
	}

	user, err := s.lookupUser(ctx, rec.Identity)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Profile{}, ErrTokenNotFound
		}
		return Profile{}, err
	}

	// best effort; a failed touch must not fail verification
	if err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.tokens.TouchLastUsed(ctx, rec.ID, now)
	}); err != nil {
		s.logger.Warn().Err(err).Str("token_id", rec.ID).Msg("touch last_used_at failed")
	}
	return user.Public(), nil
}

// StartSession mints a session with an access token and a refresh token
// bound to a new session id.
func (s *TokenService) StartSession(ctx context.Context, identity string, client ClientMeta) (SessionTokens, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.StartSession")
	defer span.End()

	identity = strings.TrimSpace(identity)
	if identity == "" {
		return SessionTokens{}, fmt.Errorf("%w: identity is required", ErrValidation)
	}
	now := s.now().UTC()
	sess, out, err := s.mintSession(identity, client, now)
	if err != nil {
		return SessionTokens{}, err
	}
	if err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.sessions.CreateSession(ctx, sess)
	}); err != nil {
		span.SetStatus(codes.Error, "create session")
		if errors.Is(err, ErrUserNotFound) {
			return SessionTokens{}, err
		}
		return SessionTokens{}, collaborator("start session", err)
	}
	return out, nil
}

// RotateSession exchanges a refresh token for a new session. The old
// session id is retired in the same store step, so a refresh token works
// at most once and the loser of a concurrent rotation gets ErrSessionInactive.
func (s *TokenService) RotateSession(ctx context.Context, refreshToken string, client *ClientMeta) (SessionTokens, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.RotateSession")
	defer span.End()

	out, err := s.rotate(ctx, strings.TrimSpace(refreshToken), client)
	switch {
	case err == nil:
		obs.SessionRotations.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrSessionInactive):
		obs.SessionRotations.WithLabelValues("inactive").Inc()
		span.SetStatus(codes.Error, "inactive")
	case errors.Is(err, ErrCollaborator):
		obs.SessionRotations.WithLabelValues("error").Inc()
		span.SetStatus(codes.Error, "store")
	default:
		obs.SessionRotations.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, "invalid")
	}
	return out, err
}

func (s *TokenService) rotate(ctx context.Context, refreshToken string, client *ClientMeta) (SessionTokens, error) {
	var claims RefreshClaims
	if _, err := s.parse(refreshToken, &claims); err != nil {
		return SessionTokens{}, ErrInvalidToken
	}
	if claims.Type != TokenTypeRefresh || claims.Subject == "" || claims.SessionID == "" {
		return SessionTokens{}, ErrInvalidToken
	}

	now := s.now().UTC()
	var current Session
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		current, err = s.sessions.GetSession(ctx, claims.SessionID, now)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return SessionTokens{}, ErrSessionInactive
	}
	if err != nil {
		return SessionTokens{}, collaborator("rotate session", err)
	}
	if current.Identity != claims.Subject || !s.hasher.Matches(refreshToken, current.RefreshHash) {
		return SessionTokens{}, ErrSessionInactive
	}

	meta := current.Client
	if client != nil {
		meta = *client
	}
	next, out, err := s.mintSession(current.Identity, meta, now)
	if err != nil {
		return SessionTokens{}, err
	}
	next.CreatedAt = current.CreatedAt
	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		return s.sessions.ReplaceSession(ctx, current.ID, current.RefreshHash, next, now)
	})
	if errors.Is(err, ErrNotFound) {
		return SessionTokens{}, ErrSessionInactive
	}
	if err != nil {
		return SessionTokens{}, collaborator("rotate session", err)
	}
	return out, nil
}

// Revoke marks the given raw token revoked, or every active token of the
// identity when token is empty (which also ends its sessions). Revoking
// something already revoked succeeds with zero counts.
func (s *TokenService) Revoke(ctx context.Context, identity, token string) (RevokeResult, error) {
	ctx, span := obs.Tracer().Start(ctx, "auth.Revoke")
	defer span.End()

	identity = strings.TrimSpace(identity)
	token = strings.TrimSpace(token)
	if identity == "" {
		return RevokeResult{}, fmt.Errorf("%w: identity is required", ErrValidation)
	}
	now := s.now().UTC()

	var res RevokeResult
	if token != "" {
		hash := s.hasher.Hash(token)
		err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
			var err error
			res.TokensRevoked, err = s.tokens.RevokeExtensionTokenByHash(ctx, identity, hash, now)
			return err
		})
		if err != nil {
			span.SetStatus(codes.Error, "revoke token")
			return RevokeResult{}, collaborator("revoke token", err)
		}
		return res, nil
	}

	err := bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		res.TokensRevoked, err = s.tokens.RevokeExtensionTokensForUser(ctx, identity, now)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, "revoke all")
		return RevokeResult{}, collaborator("revoke tokens", err)
	}
	err = bounded.Call(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		res.SessionsEnded, err = s.sessions.DeleteSessionsForIdentity(ctx, identity)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, "end sessions")
		return RevokeResult{}, collaborator("end sessions", err)
	}
	return res, nil
}

// mintSession signs a new access/refresh pair bound to a fresh session id.
func (s *TokenService) mintSession(identity string, client ClientMeta, now time.Time) (Session, SessionTokens, error) {
	access, err := s.IssueAccessToken(identity)
	if err != nil {
		return Session{}, SessionTokens{}, err
	}
	sid := ids.NewSessionID()
	exp := now.Add(s.refreshTTL)
	refresh, err := s.sign(RefreshClaims{
		Type:      TokenTypeRefresh,
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	if err != nil {
		return Session{}, SessionTokens{}, err
	}
	obs.TokensIssued.WithLabelValues("refresh").Inc()
	sess := Session{
		ID:          sid,
		Identity:    identity,
		RefreshHash: s.hasher.Hash(refresh),
		Client:      client,
		CreatedAt:   now,
		ExpiresAt:   exp,
	}
	return sess, SessionTokens{
		SessionID: sid,
		Access:    access,
		Refresh:   IssuedToken{Token: refresh, ExpiresAt: exp},
	}, nil
}

func (s *TokenService) lookupUser(ctx context.Context, identity string) (User, error) {
	var user User
	err := bounded.Read(ctx, s.storeTimeout, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetUserByIdentity(ctx, identity)
		return err
	}, ErrNotFound)
	if errors.Is(err, ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, collaborator("load user", err)
	}
	return user, nil
}

func (s *TokenService) audienceClaim() jwt.ClaimStrings {
	if s.audience == "" {
		return nil
	}
	return jwt.ClaimStrings{s.audience}
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(token string, claims jwt.Claims, extra ...jwt.ParserOption) (*jwt.Token, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	opts := append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}, extra...)
	return jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
}

func collaborator(op string, err error) error {
	return fmt.Errorf("auth: %s: %w: %w", op, ErrCollaborator, err)
}
