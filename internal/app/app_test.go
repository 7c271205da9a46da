package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/locus/internal/app"
	"github.com/MrWong99/locus/internal/config"
	"github.com/MrWong99/locus/internal/observe"
	"github.com/MrWong99/locus/internal/registry"
)

// testConfig returns a defaulted config that listens on an ephemeral port.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:0",
			LogLevel:        config.LogInfo,
			ShutdownTimeout: time.Second,
		},
		Auth: config.AuthConfig{DesignerKey: "designer"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: unexpected error: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func serve(h http.Handler, target string) (int, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec.Code, rec.Body.String()
}

func TestNew_WithStore(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), app.WithStore(registry.NewMemStore()))

	if code, body := serve(a.Handler(), "/ping"); code != http.StatusOK || body != "pong" {
		t.Errorf("GET /ping = %d %q", code, body)
	}
	code, body := serve(a.Handler(), "/create_location?api_key=designer&name=Hall&type=INDOOR")
	if code != http.StatusOK || body == "" {
		t.Errorf("create_location = %d %q, want 200 with an id", code, body)
	}
	if code, _ := serve(a.Handler(), "/list_locations?api_key=wrong"); code != http.StatusUnauthorized {
		t.Errorf("list_locations with a wrong key = %d, want 401", code)
	}
	if code, _ := serve(a.Handler(), "/readyz"); code != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", code)
	}
}

func TestNew_Backends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		store   func(dir string) config.StoreConfig
		wantErr bool
	}{
		{
			name:  "memory",
			store: func(string) config.StoreConfig { return config.StoreConfig{Backend: config.BackendMemory} },
		},
		{
			name: "sqlite",
			store: func(dir string) config.StoreConfig {
				return config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(dir, "locus.db")}
			},
		},
		{
			name: "badger",
			store: func(dir string) config.StoreConfig {
				return config.StoreConfig{Backend: config.BackendBadger, BadgerDir: dir}
			},
		},
		{
			name:    "sqlite without path",
			store:   func(string) config.StoreConfig { return config.StoreConfig{Backend: config.BackendSQLite} },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Store = tt.store(t.TempDir())

			a, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
			if tt.wantErr {
				if err == nil {
					_ = a.Shutdown(context.Background())
					t.Fatal("New: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: unexpected error: %v", err)
			}
			if code, _ := serve(a.Handler(), "/create_location?api_key=designer&name=Vault&type=OUTDOOR"); code != http.StatusOK {
				t.Errorf("create_location = %d, want 200", code)
			}
			if err := a.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown: unexpected error: %v", err)
			}
		})
	}
}

func TestNew_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Telemetry.MetricsEnabled = true
	a, err := app.New(context.Background(), cfg, app.WithStore(registry.NewMemStore()), app.WithVersion("test"))
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	serve(a.Handler(), "/create_tag?api_key=designer&name=shiny")
	code, body := serve(a.Handler(), "/metrics")
	if code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", code)
	}
	for _, want := range []string{"locus_operation_duration", `operation="create_tag"`, "locus_http_request_duration", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output is missing %q", want)
		}
	}
	if _, health := serve(a.Handler(), "/healthz"); !strings.Contains(health, `"version":"test"`) {
		t.Errorf("healthz = %s, want the version", health)
	}

	a = newApp(t, testConfig(), app.WithStore(registry.NewMemStore()))
	if code, _ := serve(a.Handler(), "/metrics"); code != http.StatusNotFound {
		t.Errorf("GET /metrics with metrics disabled = %d, want 404", code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), app.WithStore(registry.NewMemStore()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ReloadsKeysAndLogLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "locus.yaml")
	writeConfig(t, path, "debug", "before")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	lv := new(slog.LevelVar)
	a := newApp(t, cfg,
		app.WithStore(registry.NewMemStore()),
		app.WithLogLevel(lv),
		app.WithConfigFile(path, 20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	writeConfig(t, path, "warn", "after")

	deadline := time.Now().Add(3 * time.Second)
	for {
		code, _ := serve(a.Handler(), "/list_locations?api_key=after")
		if code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rotated key still rejected with %d", code)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if code, _ := serve(a.Handler(), "/list_locations?api_key=before"); code != http.StatusUnauthorized {
		t.Errorf("old key after reload = %d, want 401", code)
	}
	if got := lv.Level(); got != slog.LevelWarn {
		t.Errorf("log level after reload = %v, want %v", got, slog.LevelWarn)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "locus.yaml")
	writeConfig(t, path, "info", "before")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	// A long interval leaves the reload to the explicit call.
	a := newApp(t, cfg, app.WithStore(registry.NewMemStore()), app.WithConfigFile(path, time.Hour))

	if err := a.Reload(); !errors.Is(err, config.ErrUnchanged) {
		t.Errorf("Reload without edits = %v, want ErrUnchanged", err)
	}
	writeConfig(t, path, "info", "after")
	if err := a.Reload(); err != nil {
		t.Fatalf("Reload: unexpected error: %v", err)
	}
	if code, _ := serve(a.Handler(), "/list_locations?api_key=after"); code != http.StatusOK {
		t.Errorf("list_locations with the reloaded key = %d, want 200", code)
	}

	plain := newApp(t, testConfig(), app.WithStore(registry.NewMemStore()))
	if err := plain.Reload(); err == nil {
		t.Error("Reload without a config file: expected error, got nil")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Store = config.StoreConfig{Backend: config.BackendBadger}
	a, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: unexpected error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: unexpected error: %v", err)
	}
}

func writeConfig(t *testing.T, path, level, designerKey string) {
	t.Helper()
	content := strings.Join([]string{
		"server:",
		"  listen_addr: \"127.0.0.1:0\"",
		"  log_level: " + level,
		"auth:",
		"  designer_key: " + designerKey,
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %q: %v", path, err)
	}
	next := info.ModTime().Add(time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func TestNew_SeedsEmptyRegistry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "world.yaml")
	world := "locations:\n  - name: Tavern\n    type: INDOOR\ntags: [light]\n"
	if err := os.WriteFile(path, []byte(world), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}

	store := registry.NewMemStore()
	cfg := testConfig()
	cfg.Store.SeedFile = path

	a := newApp(t, cfg, app.WithStore(store))
	code, body := serve(a.Handler(), "/list_locations?api_key=designer")
	if code != http.StatusOK || !strings.Contains(body, "Tavern") {
		t.Fatalf("list_locations = %d %q, want the seeded location", code, body)
	}

	// A second start over the same store must not seed again.
	newApp(t, cfg, app.WithStore(store))
	locs, err := store.ListLocations(context.Background())
	if err != nil {
		t.Fatalf("ListLocations: unexpected error: %v", err)
	}
	if len(locs) != 1 {
		t.Errorf("locations after restart = %d, want 1", len(locs))
	}
}
