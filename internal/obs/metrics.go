package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics
var (
	TokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecanvas_tokens_issued_total",
			Help: "Tokens minted, by kind (access, refresh, extension).",
		},
		[]string{"kind"},
	)

	TokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecanvas_token_verifications_total",
			Help: "Token verification outcomes, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	SessionRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecanvas_session_rotations_total",
			Help: "Refresh rotations, by result.",
		},
		[]string{"result"},
	)

	SeatsRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecanvas_seats_revoked_total",
			Help: "Organization seats revoked, by reason (manual, expired).",
		},
		[]string{"reason"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codecanvas_ready",
		Help: "1 when the credential store answered the last readiness check.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			TokensIssued, TokenVerifications, SessionRotations, SeatsRevoked,
			ready,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the last readiness check result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument measures in-flight requests, counts and latency. Paths are
// labelled by chi route pattern to keep cardinality bounded.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := RoutePattern(r)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
