package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/locus/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
auth:
  designer_key: first
`

const watcherUpdatedYAML = `
server:
  log_level: debug
auth:
  designer_key: second
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeFile writes content and pushes the mtime forward so the change is
// visible even on filesystems with coarse timestamps.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	bump(t, path)
}

func bump(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %q: %v", path, err)
	}
	next := info.ModTime().Add(time.Second)
	if err := os.Chtimes(path, next, next); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

func startWatcher(t *testing.T, path string, onChange func(config.Change)) *config.Watcher {
	t.Helper()
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w := startWatcher(t, cfgPath, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("NewWatcher: expected error for invalid config, got nil")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var got config.Change
	changed := make(chan struct{}, 1)
	w := startWatcher(t, cfgPath, func(ch config.Change) {
		mu.Lock()
		got = ch
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	writeFile(t, cfgPath, watcherUpdatedYAML)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onChange")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Old.Auth.DesignerKey != "first" || got.New.Auth.DesignerKey != "second" {
		t.Errorf("designer_key old=%q new=%q, want first -> second", got.Old.Auth.DesignerKey, got.New.Auth.DesignerKey)
	}
	if d := got.Diff; !d.KeysChanged || !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("Diff = %+v, want keys and log level changed", d)
	}
	if w.Current() != got.New {
		t.Error("Current() does not return the reloaded config")
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	called := make(chan struct{}, 1)
	w := startWatcher(t, cfgPath, func(config.Change) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	writeFile(t, cfgPath, watcherInvalidYAML)

	select {
	case <-called:
		t.Fatal("onChange called for an invalid config")
	case <-time.After(200 * time.Millisecond):
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level after invalid edit: got %q, want %q", got, config.LogInfo)
	}
}

func TestWatcher_TouchWithoutEdit(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	called := make(chan struct{}, 1)
	startWatcher(t, cfgPath, func(config.Change) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	bump(t, cfgPath)

	select {
	case <-called:
		t.Fatal("onChange called although content is unchanged")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var changes []config.Change
	w, err := config.NewWatcher(cfgPath, func(ch config.Change) { changes = append(changes, ch) })
	if err != nil {
		t.Fatalf("NewWatcher: unexpected error: %v", err)
	}

	if err := w.Reload(); !errors.Is(err, config.ErrUnchanged) {
		t.Errorf("Reload of an unchanged file = %v, want ErrUnchanged", err)
	}

	// Same mtime as the loaded version; only a forced reload sees the edit.
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("Stat: unexpected error: %v", err)
	}
	if err := os.WriteFile(cfgPath, []byte(watcherInvalidYAML), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", cfgPath, err)
	}
	if err := os.Chtimes(cfgPath, info.ModTime(), info.ModTime()); err != nil {
		t.Fatalf("Chtimes: unexpected error: %v", err)
	}
	if err := w.Reload(); err == nil || errors.Is(err, config.ErrUnchanged) {
		t.Errorf("Reload of an invalid file = %v, want a validation error", err)
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: unexpected error: %v", err)
	}
	if len(changes) != 1 || changes[0].New.Auth.DesignerKey != "second" {
		t.Fatalf("changes = %+v, want one change to key second", changes)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("log_level after Reload = %q, want debug", got)
	}
}
