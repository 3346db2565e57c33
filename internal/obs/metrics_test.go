package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"codecanvas.io/internal/config"
)

func TestRoutePatternUsesChiPattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	// the pattern is only known inside the router, so Instrument is mounted there
	r.Use(Instrument)
	var seen string
	r.Get("/v1/orgs/{orgID}/credits", func(w http.ResponseWriter, r *http.Request) {
		seen = RoutePattern(r)
		w.WriteHeader(http.StatusNoContent)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/orgs/{orgID}/credits", "204"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orgs/org-1/credits", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen != "/v1/orgs/{orgID}/credits" {
		t.Fatalf("pattern = %q", seen)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/orgs/{orgID}/credits", "204"))
	if after != before+1 {
		t.Fatalf("counter = %v, want %v", after, before+1)
	}
}

func TestInstrumentOutsideRouterIsUnmatched(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {})
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "200"))
	Instrument(r).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "200"))
	if after != before+1 {
		t.Fatalf("counter = %v, want %v", after, before+1)
	}
}

func TestRoutePatternUnmatched(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	if got := RoutePattern(req); got != "unmatched" {
		t.Fatalf("pattern = %q", got)
	}
}

func TestNewLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, &config.Config{ServiceName: "codecanvas-api", LogLevel: "warn"}, "1.2.3")
	l.Info().Msg("dropped")
	l.Warn().Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if entry["service"] != "codecanvas-api" || entry["version"] != "1.2.3" || entry["message"] != "kept" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, &config.Config{LogLevel: "loud"}, "")
	l.Debug().Msg("hidden")
	l.Info().Msg("shown")
	if bytes.Contains(buf.Bytes(), []byte("hidden")) || !bytes.Contains(buf.Bytes(), []byte("shown")) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
