package config

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content is the
// same as the current config.
var ErrUnchanged = errors.New("config: file unchanged")

// Change is handed to the watcher callback after a valid edit.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher keeps the config loaded from a file current. It polls the file's
// mtime and reloads when it moves; [Watcher.Reload] forces a reload. Only
// valid configs with new content reach the callback. An invalid edit is
// logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)

	// mu serialises reloads and guards the fields below.
	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. It fails when the file is missing
// or invalid. Call [Watcher.Run] to start polling.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, sum, err := readFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.sum, w.mtime = cfg, sum, info.ModTime()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := w.reload(false)
			switch {
			case err == nil, errors.Is(err, ErrUnchanged):
			default:
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now, regardless of its mtime, and applies it like
// a polled edit. It returns [ErrUnchanged] when the content matches the
// current config, or the load error when the file is invalid.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

func (w *Watcher) reload(force bool) error {
	w.mu.Lock()
	info, err := os.Stat(w.path)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if !force && info.ModTime().Equal(w.mtime) {
		w.mu.Unlock()
		return ErrUnchanged
	}
	// A broken edit is reported once, not on every tick.
	w.mtime = info.ModTime()

	cfg, sum, err := readFile(w.path)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if sum == w.sum {
		w.mu.Unlock()
		return ErrUnchanged
	}
	ch := Change{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path, "restart_required", ch.Diff.RestartRequired)
	if w.onChange != nil {
		w.onChange(ch)
	}
	return nil
}

func readFile(path string) (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
