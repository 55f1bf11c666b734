// Package httpapi is the thin request-handling boundary in front of the
// identity core. It parses requests, applies transport-level middleware, and
// collapses the core's failure taxonomy into generic responses so callers
// cannot probe for usernames or session state.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"aegis.dev/internal/gate"
	"aegis.dev/internal/obs"
)

// ReadyProbe checks readiness dependencies (for example a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	gate       *gate.Gate
	readyProbe ReadyProbe
	version    string

	httpRatePerSecond int
	httpRateBurst     int
}

// Option configures the API.
type Option func(*API)

// WithTransportRate bounds the per-IP token bucket in front of all handlers.
func WithTransportRate(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.httpRatePerSecond = perSecond
		}
		if burst > 0 {
			a.httpRateBurst = burst
		}
	}
}

// New constructs the HTTP API around the composed gate.
func New(g *gate.Gate, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:               http.NewServeMux(),
		gate:              g,
		readyProbe:        rp,
		version:           version,
		httpRatePerSecond: 50,
		httpRateBurst:     100,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/v1/login", a.handleLogin)
	a.mux.HandleFunc("/v1/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/authorize", a.handleAuthorize)

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler chain for the server.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = RateLimit(h, a.httpRateBurst, a.httpRatePerSecond)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "aegis-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "aegis-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// writeUnauthorized answers every authentication or session failure with one
// indistinguishable body.
func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gate.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, gate.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		writeUnauthorized(w)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
