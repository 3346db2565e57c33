package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/idp"
	"codecanvas.io/internal/obs"
)

const (
	authHeader          = "Authorization"
	bearer              = "Bearer "
	internalTokenHeader = "X-Internal-Token"
)

// credential kinds a route accepts
type acceptMask uint8

const (
	acceptAccess acceptMask = 1 << iota
	acceptExtension
	acceptAssertion

	acceptAny = acceptAccess | acceptExtension | acceptAssertion
)

type profileContextKey struct{}
type assertionContextKey struct{}

var errMissingBearer = errors.New("missing bearer token")

// authenticate tries access token, extension token and identity assertion,
// in that order, restricted to mask. Every rejection answers the same 401.
// A collaborator outage is not a rejection and surfaces as such.
func (a *API) authenticate(mask acceptMask) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				writeUnauthorized(w, r)
				return
			}
			ctx, err := a.resolve(r.Context(), mask, token)
			if err != nil {
				if auth.IsCredentialRejected(err) {
					writeUnauthorized(w, r)
					return
				}
				writeErr(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithToken(ctx, token)))
		})
	}
}

func (a *API) resolve(ctx context.Context, mask acceptMask, token string) (context.Context, error) {
	var outage error

	if mask&acceptAccess != 0 && a.tokens != nil {
		claims, err := a.tokens.VerifyAccessToken(token)
		if err == nil {
			return auth.ContextWithPrincipal(ctx, auth.Principal{
				Identity:   claims.Subject,
				Credential: auth.CredentialAccess,
			}), nil
		}
	}

	if mask&acceptExtension != 0 && a.tokens != nil {
		profile, err := a.tokens.VerifyLongLivedToken(ctx, token)
		switch {
		case err == nil:
			ctx = context.WithValue(ctx, profileContextKey{}, profile)
			return auth.ContextWithPrincipal(ctx, auth.Principal{
				Identity:   profile.Identity,
				Credential: auth.CredentialExtension,
			}), nil
		case !auth.IsCredentialRejected(err):
			outage = err
		}
	}

	if mask&acceptAssertion != 0 && a.idp != nil {
		assertion, err := a.idp.VerifyIdentityAssertion(ctx, token)
		switch {
		case err == nil:
			ctx = context.WithValue(ctx, assertionContextKey{}, assertion)
			return auth.ContextWithPrincipal(ctx, auth.Principal{
				Identity:   assertion.Subject,
				Credential: auth.CredentialAssertion,
				SessionID:  assertion.SessionID,
			}), nil
		case !auth.IsCredentialRejected(err):
			outage = err
		}
	}

	if outage != nil {
		logger := obs.Logger()
		logger.Warn().Err(outage).Msg("credential check could not complete")
		return ctx, outage
	}
	return ctx, auth.ErrInvalidToken
}

func profileFromContext(ctx context.Context) (auth.Profile, bool) {
	p, ok := ctx.Value(profileContextKey{}).(auth.Profile)
	return p, ok
}

func assertionFromContext(ctx context.Context) (idp.Assertion, bool) {
	v, ok := ctx.Value(assertionContextKey{}).(idp.Assertion)
	return v, ok
}

// requireInternalToken guards operator endpoints with a shared secret.
func (a *API) requireInternalToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get(internalTokenHeader))
		if a.internalToken == "" || got == "" ||
			subtle.ConstantTimeCompare([]byte(got), []byte(a.internalToken)) != 1 {
			writeUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
