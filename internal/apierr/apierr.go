// Package apierr classifies engine errors into the logical response codes
// shared by the HTTP and gRPC transports.
package apierr

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/entitlement"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidRequest Code = "invalid_request"
	CodeUnauthorized   Code = "unauthorized"
	CodeForbidden      Code = "forbidden"
	CodeNotFound       Code = "not_found"
	CodeConflict       Code = "conflict"
	CodeRateLimited    Code = "rate_limited"
	CodeUnavailable    Code = "unavailable"
	CodeInternal       Code = "internal"
)

// UnauthorizedMessage is the only text a rejected credential ever yields.
const UnauthorizedMessage = "invalid or expired credentials"

// Classify maps err to its logical code and the message safe to show the
// caller. Internal failures get a generic message.
func Classify(err error) (Code, string) {
	switch {
	case err == nil:
		return "", ""
	case auth.IsCredentialRejected(err):
		return CodeUnauthorized, UnauthorizedMessage
	case errors.Is(err, auth.ErrInvalidOrExpiredCode), errors.Is(err, auth.ErrSessionExpired):
		return CodeConflict, "authorization code is invalid or expired; restart sign-in"
	case errors.Is(err, auth.ErrValidation), errors.Is(err, entitlement.ErrValidation):
		return CodeInvalidRequest, err.Error()
	case errors.Is(err, entitlement.ErrNoActiveSeat):
		return CodeForbidden, "no active seat in this organization"
	case errors.Is(err, entitlement.ErrForbidden):
		return CodeForbidden, "organization admin required"
	case errors.Is(err, entitlement.ErrInsufficientCredits):
		return CodeConflict, "insufficient credits"
	case errors.Is(err, entitlement.ErrSeatNotFound):
		return CodeNotFound, "seat not found"
	case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, entitlement.ErrNotFound), errors.Is(err, auth.ErrNotFound):
		return CodeNotFound, "not found"
	case errors.Is(err, auth.ErrConflict):
		return CodeConflict, "conflict"
	case errors.Is(err, auth.ErrConfiguration), errors.Is(err, entitlement.ErrConfiguration):
		return CodeUnavailable, "service unavailable"
	default:
		return CodeInternal, "internal error"
	}
}

// HTTPStatus maps codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidRequest:
		return codes.InvalidArgument
	case CodeUnauthorized:
		return codes.Unauthenticated
	case CodeForbidden:
		return codes.PermissionDenied
	case CodeNotFound:
		return codes.NotFound
	case CodeConflict:
		return codes.FailedPrecondition
	case CodeRateLimited:
		return codes.ResourceExhausted
	case CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
