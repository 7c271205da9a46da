// Command locus is the main entry point for the locus item registry server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/locus/internal/app"
	"github.com/MrWong99/locus/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "locus.yaml", "path to the YAML configuration file; environment variables alone are used when it does not exist")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	// Variables already set in the environment take precedence.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "locus: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fromFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "locus: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("locus starting",
		"version", version,
		"config", configSource(*configPath, fromFile),
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level), app.WithVersion(version)}
	if fromFile {
		opts = append(opts, app.WithConfigFile(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if fromFile {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch err := a.Reload(); {
			case err == nil:
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: configuration unchanged")
			default:
				slog.Warn("SIGHUP: reload failed, keeping previous config", "err", err)
			}
		}
	}
}

// loadConfig reads path, or falls back to the environment when the file
// does not exist. The boolean reports whether the file was used.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	cfg, err = config.FromEnv()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func configSource(path string, fromFile bool) string {
	if fromFile {
		return path
	}
	return "(environment)"
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          locus, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  TLS             : %-19s ║\n", enabled(cfg.Server.TLS != nil))
	fmt.Printf("║  Store backend   : %-19s ║\n", cfg.Store.Backend)
	fmt.Printf("║  Circuit breaker : %-19s ║\n", enabled(!cfg.Breaker.Disabled))
	fmt.Printf("║  Metrics         : %-19s ║\n", enabled(cfg.Telemetry.MetricsEnabled))
	fmt.Printf("║  Roles with keys : %-19d ║\n", rolesWithKeys(cfg.Auth))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

func rolesWithKeys(a config.AuthConfig) int {
	n := 0
	for _, k := range []string{a.DesignerKey, a.PlayerKey, a.SensorKey, a.ActuatorKey} {
		if k != "" {
			n++
		}
	}
	return n
}
