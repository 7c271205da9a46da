// Package health serves the liveness and readiness probes of locus.
//
// /healthz answers 200 as long as the process serves HTTP. /readyz runs
// every registered check concurrently and answers 503 unless all pass. Both
// respond with JSON.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// CheckFunc probes one dependency and returns nil when it is usable. It must
// honour ctx.
type CheckFunc func(ctx context.Context) error

type check struct {
	name string
	fn   CheckFunc
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheck adds a readiness check reported under name.
func WithCheck(name string, fn CheckFunc) Option {
	return func(h *Handler) { h.checks = append(h.checks, check{name: name, fn: fn}) }
}

// WithVersion reports v on /healthz.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves the probes. The set of checks is fixed by [New].
type Handler struct {
	checks  []check
	version string
	timeout time.Duration
	started time.Time
	now     func() time.Time
}

// New returns a Handler configured by opts.
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultTimeout, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	h.started = h.now()
	return h
}

// Liveness is the /healthz body.
type Liveness struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Readiness is the /readyz body.
type Readiness struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Liveness{
		Status:  "ok",
		Version: h.version,
		Uptime:  h.now().Sub(h.started).Round(time.Second).String(),
	})
}

// Readyz reports readiness. Each check gets its own deadline derived from
// the request context, so one hanging dependency cannot hold the others.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]CheckResult, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			results[i] = h.run(r.Context(), c.fn)
			return nil
		})
	}
	_ = g.Wait()

	body := Readiness{Status: "ok", Checks: make(map[string]CheckResult, len(h.checks))}
	status := http.StatusOK
	for i, c := range h.checks {
		body.Checks[c.name] = results[i]
		if results[i].Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

func (h *Handler) run(ctx context.Context, fn CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.now()
	err := fn(ctx)
	res := CheckResult{Status: "ok", DurationMS: float64(h.now().Sub(start).Microseconds()) / 1000}
	if err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	return res
}

// Register mounts /healthz and /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
