package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk.
// Only the log level and the alert settings take effect without a restart;
// RestartRequired names the sections that do not.
type Watcher struct {
	path     string
	cfg      *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange func(old, updated *Config)
	logger   *slog.Logger
	closeMu  sync.Mutex
	closed   bool
}

// NewWatcher loads path and prepares a file watcher for it
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:    path,
		cfg:     cfg,
		watcher: fw,
		logger:  logger,
	}, nil
}

// Config returns the current configuration
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// OnChange registers a callback invoked after every successful reload.
// Must be called before Start.
func (w *Watcher) OnChange(fn func(old, updated *Config)) {
	w.onChange = fn
}

// Start blocks until ctx is cancelled, reloading on write or create events
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting config file watcher", "path", w.path)

	debounce := time.NewTimer(0)
	debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Config watcher stopped")
			return w.Close()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			// editors frequently write-then-rename
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(debounceDelay)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-debounce.C:
			old, updated, err := w.reload()
			if err != nil {
				w.logger.Error("Failed to reload config, keeping previous", "error", err)
				continue
			}
			if fields := RestartRequired(old, updated); len(fields) > 0 {
				w.logger.Warn("Config changes require a restart to take effect", "fields", fields)
			}
			w.logger.Info("Config reloaded")
			if w.onChange != nil {
				w.onChange(old, updated)
			}
		}
	}
}

func (w *Watcher) reload() (*Config, *Config, error) {
	updated, err := Load(w.path)
	if err != nil {
		return nil, nil, err
	}

	w.mu.Lock()
	old := w.cfg
	w.cfg = updated
	w.mu.Unlock()

	return old, updated, nil
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed || w.watcher == nil {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}

// RestartRequired lists the sections that differ between old and updated
// and that a running gateway cannot apply in place.
func RestartRequired(old, updated *Config) []string {
	if old == nil || updated == nil {
		return nil
	}
	var fields []string
	if old.Server != updated.Server {
		fields = append(fields, "server")
	}
	if old.Upstream != updated.Upstream {
		fields = append(fields, "upstream")
	}
	if old.Policy.SinkholeIPv4 != updated.Policy.SinkholeIPv4 || old.Policy.SinkholeIPv6 != updated.Policy.SinkholeIPv6 ||
		old.Policy.BlockTTL != updated.Policy.BlockTTL || old.Policy.Timezone != updated.Policy.Timezone {
		fields = append(fields, "policy")
	}
	if !old.Storage.equal(updated.Storage) {
		fields = append(fields, "storage")
	}
	if old.SideEffects != updated.SideEffects {
		fields = append(fields, "side_effects")
	}
	if old.Telemetry != updated.Telemetry {
		fields = append(fields, "telemetry")
	}
	if old.Logging.Format != updated.Logging.Format || old.Logging.Output != updated.Logging.Output ||
		old.Logging.FilePath != updated.Logging.FilePath {
		fields = append(fields, "logging.output")
	}
	if old.Geo.Enabled != updated.Geo.Enabled || old.Geo.URL != updated.Geo.URL || old.Geo.Timeout != updated.Geo.Timeout {
		fields = append(fields, "geo")
	}
	return fields
}
