package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultListenAddr      = ":8080"
	DefaultSQLitePath      = "locus.db"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 2 * time.Second
	DefaultMultiplier      = 1.5
	DefaultDeadline        = 5 * time.Second

	DefaultBreakerMaxFailures  = 5
	DefaultBreakerResetTimeout = 30 * time.Second
	DefaultBreakerHalfOpenMax  = 3
)

// DefaultRateLimits are the per-IP budgets used when none are configured:
// 10 000 requests per hour and 100 000 per day.
func DefaultRateLimits() []RateLimitConfig {
	return []RateLimitConfig{
		{Requests: 10000, Window: time.Hour},
		{Requests: 100000, Window: 24 * time.Hour},
	}
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. An empty document is
// valid and yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

// LoadFromBytes is [LoadFromReader] over data.
func LoadFromBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// FromEnv builds a [Config] from environment variables and defaults alone,
// for deployments without a config file.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields of cfg that carry an env tag with the values of
// the corresponding environment variables, when set.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.RateLimits == nil {
		cfg.Server.RateLimits = DefaultRateLimits()
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.Backend == BackendSQLite && cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = DefaultSQLitePath
	}

	tx := &cfg.Transaction
	if tx.InitialInterval == 0 {
		tx.InitialInterval = DefaultInitialInterval
	}
	if tx.MaxInterval == 0 {
		tx.MaxInterval = DefaultMaxInterval
	}
	if tx.Multiplier == 0 {
		tx.Multiplier = DefaultMultiplier
	}
	if tx.Deadline == 0 {
		tx.Deadline = DefaultDeadline
	}

	br := &cfg.Breaker
	if br.MaxFailures == 0 {
		br.MaxFailures = DefaultBreakerMaxFailures
	}
	if br.ResetTimeout == 0 {
		br.ResetTimeout = DefaultBreakerResetTimeout
	}
	if br.HalfOpenMax == 0 {
		br.HalfOpenMax = DefaultBreakerHalfOpenMax
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	for i, rl := range cfg.Server.RateLimits {
		if rl.Requests <= 0 || rl.Window <= 0 {
			errs = append(errs, fmt.Errorf("server.rate_limits[%d] needs positive requests and window", i))
		}
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Store
	switch b := cfg.Store.Backend; {
	case b == "":
	case !b.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, sqlite, badger", b))
	case b == BackendPostgres && cfg.Store.PostgresDSN == "":
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
	case b == BackendSQLite && cfg.Store.SQLitePath == "":
		errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
	case b == BackendMemory:
		slog.Warn("store.backend is memory; registry contents are lost on restart")
	case b == BackendBadger && cfg.Store.BadgerDir == "":
		slog.Warn("store.badger_dir is empty; badger runs in memory")
	}
	if cfg.Store.PostgresMaxConns < 0 {
		errs = append(errs, errors.New("store.postgres_max_conns must not be negative"))
	}

	// Transaction
	tx := cfg.Transaction
	if tx.InitialInterval < 0 || tx.MaxInterval < 0 || tx.Deadline < 0 {
		errs = append(errs, errors.New("transaction intervals and deadline must not be negative"))
	}
	if tx.MaxInterval > 0 && tx.InitialInterval > tx.MaxInterval {
		errs = append(errs, fmt.Errorf("transaction.initial_interval %s exceeds max_interval %s", tx.InitialInterval, tx.MaxInterval))
	}
	if tx.Multiplier != 0 && tx.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("transaction.multiplier %.2f must be at least 1", tx.Multiplier))
	}

	// Auth
	a := cfg.Auth
	if a.DesignerKey == "" && a.PlayerKey == "" && a.SensorKey == "" && a.ActuatorKey == "" {
		slog.Warn("no API keys configured; every operation will be rejected")
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 || cfg.Breaker.HalfOpenMax < 0 || cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("breaker settings must not be negative"))
	}

	return errors.Join(errs...)
}
