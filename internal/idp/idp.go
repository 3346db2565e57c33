// Package idp verifies identity assertions minted by the external identity
// provider. This service never issues them.
package idp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codecanvas.io/internal/auth"
)

// Assertion is what a verified bearer says about its subject.
type Assertion struct {
	Subject   string
	SessionID string
	Expiry    time.Time
	Email     string
}

// Verifier checks a raw bearer assertion. Rejections wrap
// auth.ErrInvalidAssertion; provider outages wrap auth.ErrCollaborator.
type Verifier interface {
	VerifyIdentityAssertion(ctx context.Context, bearer string) (Assertion, error)
}

// DevVerifier accepts "dev:<subject>" bearers. It is wired only when the
// service runs in development mode.
type DevVerifier struct {
	TTL time.Duration
	Now func() time.Time
}

const devPrefix = "dev:"

func (v DevVerifier) VerifyIdentityAssertion(_ context.Context, bearer string) (Assertion, error) {
	subject, ok := strings.CutPrefix(strings.TrimSpace(bearer), devPrefix)
	subject = strings.TrimSpace(subject)
	if !ok || subject == "" {
		return Assertion{}, fmt.Errorf("%w: not a development assertion", auth.ErrInvalidAssertion)
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	ttl := v.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return Assertion{Subject: subject, Expiry: now().Add(ttl)}, nil
}

var errEmptyBearer = errors.New("empty bearer")
