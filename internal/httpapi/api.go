package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"codecanvas.io/internal/apierr"
	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/entitlement"
	"codecanvas.io/internal/idp"
	"codecanvas.io/internal/maintenance"
	"codecanvas.io/internal/obs"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

var errEmptyBody = errors.New("request body is required")

// Pinger is anything the readiness check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck checks every backing store.
type ReadinessCheck struct {
	Checks []Pinger
}

func (rp ReadinessCheck) Check(ctx context.Context) error {
	for _, c := range rp.Checks {
		if c == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the engines and settings the HTTP layer is built from.
type Deps struct {
	Exchanges    *auth.ExchangeService
	Tokens       *auth.TokenService
	Entitlements *entitlement.Service
	IdP          idp.Verifier
	Ready        ReadinessCheck
	// Maintenance serves the sweep route. Nil builds one over Entitlements
	// and Exchanges; share the scheduler's runner to share its overlap guard.
	Maintenance *maintenance.Runner

	InternalToken      string
	Version            string
	CORSOrigins        []string
	AllowLocalOrigins  bool
	RateLimitBurst     int
	RateLimitPerSecond int
	TrustedProxies     []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	router        chi.Router
	exchanges     *auth.ExchangeService
	tokens        *auth.TokenService
	entitlements  *entitlement.Service
	maintenance   *maintenance.Runner
	idp           idp.Verifier
	readiness     ReadinessCheck
	internalToken string
	version       string
	limiter       *RateLimiter
}

func New(d Deps) *API {
	burst, rps := d.RateLimitBurst, d.RateLimitPerSecond
	if burst <= 0 {
		burst = 20
	}
	if rps <= 0 {
		rps = 5
	}
	runner := d.Maintenance
	if runner == nil && d.Entitlements != nil && d.Exchanges != nil {
		runner = maintenance.New(d.Entitlements, d.Exchanges, obs.Logger())
	}
	a := &API{
		router:        chi.NewRouter(),
		exchanges:     d.Exchanges,
		tokens:        d.Tokens,
		entitlements:  d.Entitlements,
		maintenance:   runner,
		idp:           d.IdP,
		readiness:     d.Ready,
		internalToken: d.InternalToken,
		version:       d.Version,
		limiter:       NewRateLimiter(burst, rps),
	}

	r := a.router
	r.Use(RequestID)
	r.Use(TrustedRealIP(d.TrustedProxies))
	r.Use(LoggingJSON)
	r.Use(middleware.Recoverer)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS(d.CORSOrigins, d.AllowLocalOrigins))
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, maxBodyBytes) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/extension", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.limiter.Limit)
			r.Post("/auth/initiate", a.handleInitiate)
			r.Post("/auth/token", a.handleToken)
			r.Post("/session/refresh", a.handleRefresh)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.authenticate(acceptAssertion))
			r.Post("/auth/complete", a.handleComplete)
			r.Post("/auth/code", a.handleAttachCode)
		})
		r.With(a.authenticate(acceptExtension)).Get("/me", a.handleMe)
		r.With(a.authenticate(acceptAny)).Post("/tokens/revoke", a.handleRevoke)
	})

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate(acceptAny))
		r.Get("/v1/me/credits", a.handleUserCredits)
		r.Route("/v1/orgs/{orgID}", func(r chi.Router) {
			r.Get("/credits", a.handleOrgCredits)
			r.Post("/credits/consume", a.handleConsumeCredits)
			r.Get("/seats", a.handleListSeats)
			r.Post("/seats/{identity}/revoke", a.handleRevokeSeat)
		})
	})

	r.With(a.requireInternalToken).Post("/internal/seats/sweep", a.handleSweep)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, apierr.CodeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, apierr.CodeInvalidRequest, "method not allowed")
	})

	return a
}

// Handler returns the root handler for the HTTP server.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		logger := obs.Logger()
		logger.Warn().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code apierr.Code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="codecanvas"`)
	}
	writeJSON(w, status, payload)
}

// writeErr renders an engine error. Internal failures are logged with the
// request id; the caller only sees the generic message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := apierr.Classify(err)
	if code == apierr.CodeInternal || code == apierr.CodeUnavailable {
		logger := obs.Logger()
		logger.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("route", obs.RoutePattern(r)).
			Msg("request failed")
	}
	writeError(w, r, code.HTTPStatus(), code, msg)
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusUnauthorized, apierr.CodeUnauthorized, apierr.UnauthorizedMessage)
}

// decodeJSON reads a single JSON document into dst and validates its tags.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errEmptyBody
		case errors.As(err, &tooLarge):
			return errors.New("request body too large")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// validationError flattens validator output into "field: rule" pairs.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation error: %w", err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("validation error: %s", strings.Join(parts, ", "))
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, apierr.CodeInvalidRequest, err.Error())
}
