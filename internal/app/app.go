// Package app wires the locus subsystems into a running server.
//
// The App struct owns the full lifecycle: New opens the store, starts
// telemetry and builds the service and HTTP router, Run serves until the
// context is cancelled, and Shutdown releases the store and flushes
// telemetry.
//
// For testing, inject an in-memory store via [WithStore]. When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/locus/internal/api"
	"github.com/MrWong99/locus/internal/config"
	"github.com/MrWong99/locus/internal/health"
	"github.com/MrWong99/locus/internal/observe"
	"github.com/MrWong99/locus/internal/registry"
	"github.com/MrWong99/locus/internal/registry/badgerstore"
	"github.com/MrWong99/locus/internal/registry/pgstore"
	"github.com/MrWong99/locus/internal/registry/sqlitestore"
	"github.com/MrWong99/locus/internal/resilience"
	"github.com/MrWong99/locus/internal/seed"
	"github.com/MrWong99/locus/internal/service"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of a locus server.
type App struct {
	cfg *config.Config

	// Injected or built from cfg in New.
	store      registry.Store
	metrics    *observe.Metrics
	version    string
	logLevel   *slog.LevelVar
	configPath string
	watchEvery time.Duration

	telemetry *observe.Provider
	breaker   *resilience.CircuitBreaker
	retrying  *registry.Retrying
	service   *service.Service
	keys      *api.Keys
	handler   http.Handler
	server    *http.Server
	watcher   *config.Watcher

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend. The
// caller keeps ownership and closes it.
func WithStore(s registry.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics records into m instead of the instruments of the telemetry
// provider (or [observe.DefaultMetrics] when metrics are disabled).
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the service version reported in telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithLogLevel lets config reloads adjust lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigFile watches path while the app runs and applies hot-reloadable
// changes: the log level and the API keys. A zero interval uses the
// watcher default.
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchEvery = interval
	}
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initTelemetry(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	a.initRegistry()
	a.service = service.New(a.retrying, service.WithMetrics(a.metrics))
	a.keys = api.NewKeys(keyring(cfg.Auth))

	if err := a.seed(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, fmt.Errorf("app: seed: %w", err)
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithInterval(a.watchEvery))
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	a.initHTTP()
	return a, nil
}

// initStore opens the configured backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	sc := a.cfg.Store
	switch sc.Backend {
	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, sc.PostgresDSN, sc.PostgresMaxConns)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, closeFunc(s.Close))
	case config.BackendSQLite:
		s, err := sqlitestore.Open(ctx, sc.SQLitePath)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, closeFunc(s.Close))
	case config.BackendBadger:
		s, err := badgerstore.Open(sc.BadgerDir)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, closeFunc(s.Close))
	default:
		a.store = registry.NewMemStore()
	}
	slog.Info("store opened", "backend", sc.Backend)
	return nil
}

// initTelemetry starts the OpenTelemetry provider when metrics are enabled
// and picks the metric instruments.
func (a *App) initTelemetry(ctx context.Context) error {
	if a.cfg.Telemetry.MetricsEnabled {
		p, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: a.version})
		if err != nil {
			return err
		}
		a.telemetry = p
		a.closers = append(a.closers, p.Shutdown)
		if a.metrics == nil {
			m, err := observe.NewMetrics(p.MeterProvider)
			if err != nil {
				return err
			}
			a.metrics = m
		}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return nil
}

// seed applies the configured seed file to an empty registry.
func (a *App) seed(ctx context.Context) error {
	path := a.cfg.Store.SeedFile
	if path == "" {
		return nil
	}
	existing, err := a.retrying.ListLocations(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		slog.Info("registry not empty, skipping seed", "path", path, "locations", len(existing))
		return nil
	}

	w, err := seed.LoadFile(path)
	if err != nil {
		return err
	}
	st, err := seed.Apply(ctx, a.service, w)
	if err != nil {
		return err
	}
	slog.Info("registry seeded", "path", path, "locations", st.Locations, "tags", st.Tags, "items", st.Items)
	return nil
}

// initRegistry wraps the store with the retry policy and circuit breaker.
func (a *App) initRegistry() {
	var opts []registry.RetryOption
	if bc := a.cfg.Breaker; !bc.Disabled {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "store",
			MaxFailures:   bc.MaxFailures,
			ResetTimeout:  bc.ResetTimeout,
			HalfOpenMax:   bc.HalfOpenMax,
			IsFailure:     registry.IsStoreFault,
			OnStateChange: a.breakerChanged,
		})
		opts = append(opts, registry.WithBreaker(a.breaker))
	}
	opts = append(opts, registry.WithRetryNotify(func(ctx context.Context, _ error, _ time.Duration) {
		a.metrics.RecordTransactionRetry(ctx)
	}))

	tc := a.cfg.Transaction
	a.retrying = registry.NewRetrying(a.store, registry.RetryPolicy{
		InitialInterval: tc.InitialInterval,
		MaxInterval:     tc.MaxInterval,
		Multiplier:      tc.Multiplier,
		Deadline:        tc.Deadline,
	}, opts...)
}

func (a *App) breakerChanged(_, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), to.String())
}

func (a *App) initHTTP() {
	probes := []health.Option{
		health.WithVersion(a.version),
		health.WithCheck("store", a.retrying.Ping),
	}
	if a.breaker != nil {
		probes = append(probes, health.WithCheck("breaker", func(context.Context) error {
			if s := a.breaker.State(); s == resilience.StateOpen {
				return fmt.Errorf("store breaker is %s", s)
			}
			return nil
		}))
	}

	sc := a.cfg.Server
	limits := make([]api.RateLimit, 0, len(sc.RateLimits))
	for _, l := range sc.RateLimits {
		limits = append(limits, api.RateLimit{Requests: l.Requests, Window: l.Window})
	}

	rc := api.Config{
		Keys:        a.keys,
		CORSOrigins: sc.CORSOrigins,
		RateLimits:  limits,
		Metrics:     a.metrics,
		Health:      health.New(probes...),
	}
	if a.telemetry != nil {
		rc.MetricsHandler = a.telemetry.Handler()
	}
	a.handler = api.NewRouter(a.service, rc)

	a.server = &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP (and watches the config file, when configured) until ctx
// is cancelled, then drains in-flight requests within the configured
// shutdown timeout. It returns nil after a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = config.DefaultShutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	return g.Wait()
}

// Reload re-reads the config file now, as on SIGHUP. It returns
// [config.ErrUnchanged] when nothing changed and an error when the app runs
// without a config file.
func (a *App) Reload() error {
	if a.watcher == nil {
		return errors.New("app: no config file to reload")
	}
	return a.watcher.Reload()
}

// applyConfig is the watcher callback. Changes outside the hot-reloadable
// set are logged and wait for a restart.
func (a *App) applyConfig(ch config.Change) {
	d := ch.Diff
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.KeysChanged {
		a.keys.Swap(keyring(ch.New.Auth))
		slog.Info("api keys reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Shutdown releases the store and flushes telemetry. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func closeFunc(f func() error) func(context.Context) error {
	return func(context.Context) error { return f() }
}

func keyring(ac config.AuthConfig) api.Keyring {
	return api.Keyring{
		service.RoleDesigner: ac.DesignerKey,
		service.RolePlayer:   ac.PlayerKey,
		service.RoleSensor:   ac.SensorKey,
		service.RoleActuator: ac.ActuatorKey,
	}
}
