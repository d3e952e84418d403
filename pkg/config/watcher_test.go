package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWatcher(t *testing.T) {
	watcher, err := NewWatcher("testdata/config.yml", slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	if watcher.Config() == nil {
		t.Error("Config() returned nil")
	}
}

func TestNewWatcherNonExistent(t *testing.T) {
	if _, err := NewWatcher("nonexistent.yml", slog.Default()); err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	initial := `
logging:
  level: "info"
alerts:
  cooldown: 1m
`
	if err := os.WriteFile(path, []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewWatcher(path, slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	type change struct{ old, updated *Config }
	changes := make(chan change, 1)
	watcher.OnChange(func(old, updated *Config) {
		select {
		case changes <- change{old, updated}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = watcher.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)

	updated := `
logging:
  level: "debug"
alerts:
  cooldown: 5m
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		if c.old.Logging.Level != "info" {
			t.Errorf("old level = %s, want info", c.old.Logging.Level)
		}
		if c.updated.Logging.Level != "debug" {
			t.Errorf("updated level = %s, want debug", c.updated.Logging.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for config change notification")
	}

	if got := watcher.Config().Alerts.Cooldown; got != 5*time.Minute {
		t.Errorf("cooldown after reload = %s, want 5m", got)
	}
}

func TestWatcherKeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	watcher, err := NewWatcher(path, slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := watcher.reload(); err == nil {
		t.Fatal("expected reload error for invalid level")
	}
	if watcher.Config().Logging.Level != "warn" {
		t.Errorf("config should be unchanged, got level %s", watcher.Config().Logging.Level)
	}
}

func TestWatcherClose(t *testing.T) {
	watcher, err := NewWatcher("testdata/config.yml", slog.Default())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	if err := watcher.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if err := watcher.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
