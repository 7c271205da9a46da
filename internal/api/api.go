// Package api exposes the registry operations over HTTP.
//
// Every operation is served as GET /<operation> with its parameters in the
// query string, plus an api_key that resolves to the caller's role.
// Responses are plain text. The status code is derived from the kind of
// the returned error by [StatusFor].
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/MrWong99/locus/internal/health"
	"github.com/MrWong99/locus/internal/observe"
	"github.com/MrWong99/locus/internal/service"
)

// RateLimit allows Requests per Window for each client IP.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// DefaultRateLimits returns the production limits: 10 000 requests per hour
// and 100 000 per day.
func DefaultRateLimits() []RateLimit {
	return []RateLimit{
		{Requests: 10000, Window: time.Hour},
		{Requests: 100000, Window: 24 * time.Hour},
	}
}

// Config wires the router's collaborators.
type Config struct {
	// Keys resolves API keys to roles. A [Keyring] serves fixed keys; a
	// [*Keys] can be swapped at runtime. Nil rejects every operation.
	Keys KeyResolver

	// CORSOrigins lists allowed origins. Empty means all origins.
	CORSOrigins []string

	// RateLimits are applied to every operation route. /ping, the health
	// probes and /metrics are exempt.
	RateLimits []RateLimit

	// Metrics receives HTTP request metrics. Nil uses
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Health, when set, registers /healthz and /readyz.
	Health *health.Handler

	// MetricsHandler, when set, is served at /metrics.
	MetricsHandler http.Handler
}

// Executor runs one registry operation. [*service.Service] implements it.
type Executor interface {
	Execute(ctx context.Context, op service.Operation, role service.Role, p service.Params) (string, error)
}

// NewRouter returns the HTTP handler serving exec.
func NewRouter(exec Executor, cfg Config) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Keys == nil {
		cfg.Keys = Keyring{}
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(cfg.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Correlation-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "pong")
	})
	if cfg.Health != nil {
		cfg.Health.Register(r)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		for _, l := range cfg.RateLimits {
			r.Use(httprate.Limit(l.Requests, l.Window,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeText(w, http.StatusTooManyRequests, "Too many requests")
				}),
			))
		}
		for _, op := range service.Operations() {
			r.Get("/"+string(op), operation(exec, cfg.Keys, op))
		}
	})

	return r
}

func operation(exec Executor, keys KeyResolver, op service.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		p := make(service.Params, len(q))
		for k, v := range q {
			if k == "api_key" || len(v) == 0 {
				continue
			}
			p[k] = v[0]
		}

		role := keys.Resolve(q.Get("api_key"), op)
		body, err := exec.Execute(r.Context(), op, role, p)
		if err != nil {
			writeText(w, StatusFor(service.KindOf(err)), err.Error())
			return
		}
		writeText(w, http.StatusOK, body)
	}
}

// StatusFor maps an error kind to the response status code.
func StatusFor(k service.Kind) int {
	switch k {
	case service.KindNone:
		return http.StatusOK
	case service.KindAuthorization:
		return http.StatusUnauthorized
	case service.KindValidation, service.KindNotFound, service.KindConflict:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
