package auth

import "errors"

// Store-level sentinels. Stores return these; engines translate them.
var (
	ErrNotFound = errors.New("auth: not found")
	ErrConflict = errors.New("auth: conflict")
)

// Engine errors. Every public operation returns one of these (possibly
// wrapped), never a raw collaborator error.
var (
	ErrValidation           = errors.New("auth: validation error")
	ErrInvalidOrExpiredCode = errors.New("auth: invalid or expired code")
	ErrSessionExpired       = errors.New("auth: exchange session expired")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrTokenRevoked         = errors.New("auth: token revoked")
	ErrTokenExpired         = errors.New("auth: token expired")
	ErrTokenNotFound        = errors.New("auth: token not found")
	ErrSessionInactive      = errors.New("auth: session inactive")
	ErrUserNotFound         = errors.New("auth: user not found")
	ErrRevocationFailed     = errors.New("auth: revocation of prior tokens failed")
	ErrInvalidAssertion     = errors.New("auth: invalid identity assertion")
	ErrConfiguration        = errors.New("auth: configuration error")
	ErrCollaborator         = errors.New("auth: collaborator failure")
)

// IsCredentialRejected reports whether err means the presented credential
// must not authorize the request. Callers render all of these identically.
func IsCredentialRejected(err error) bool {
	for _, target := range []error{
		ErrInvalidToken, ErrTokenRevoked, ErrTokenExpired, ErrTokenNotFound,
		ErrSessionInactive, ErrInvalidAssertion,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
