package audit

import (
	"context"
	"errors"
	"strings"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/obs"
)

// Security-relevant events.
const (
	EventTokenIssued           = "auth.extension_token.issued"
	EventTokenRevoked          = "auth.extension_token.revoked"
	EventSessionStarted        = "auth.session.started"
	EventSessionRotated        = "auth.session.rotated"
	EventSessionReplayRejected = "auth.session.rotation_rejected"
	EventExchangeCompleted     = "auth.exchange.completed"
	EventSeatRevoked           = "entitlement.seat.revoked"
	EventSeatsSwept            = "entitlement.seats.swept"
	EventCreditsConsumed       = "entitlement.credits.consumed"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and caller context.
// Fields must never carry raw tokens.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	logger := obs.Logger()
	entry := logger.Info().Str("type", "audit").Str("event", event)
	if rid := requestIDFromContext(ctx); rid != "" {
		entry = entry.Str("request_id", rid)
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry = entry.Str("identity", p.Identity).Str("credential", p.Credential)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	entry.Interface("fields", fields).Send()
	return nil
}
