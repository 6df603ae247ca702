package master

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

// ConfigWatcher polls a config file's modification time and re-reads it when
// it changes. Bad reloads (unreadable or invalid files) are logged and the
// previous good config stays in force.
type ConfigWatcher struct {
	path     string
	interval time.Duration
	logger   logging.Logger

	mu      sync.RWMutex
	current *Config
	modTime time.Time

	changes chan []string
}

// NewConfigWatcher wraps an already-loaded config for hot reload.
func NewConfigWatcher(path string, initial *Config, logger logging.Logger) *ConfigWatcher {
	w := &ConfigWatcher{
		path:     path,
		interval: 5 * time.Second,
		logger:   logger,
		current:  initial,
		changes:  make(chan []string, 1),
	}
	if info, err := os.Stat(path); err == nil {
		w.modTime = info.ModTime()
	}
	return w
}

// Current returns the most recent good config.
func (w *ConfigWatcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Changes delivers the changed field names after each successful reload.
func (w *ConfigWatcher) Changes() <-chan []string {
	return w.changes
}

// Run polls until ctx is done.
func (w *ConfigWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *ConfigWatcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.RLock()
	seen := w.modTime
	w.mu.RUnlock()
	if !info.ModTime().After(seen) {
		return
	}

	next, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config",
			logging.Path(w.path), logging.Error(err))
		w.mu.Lock()
		w.modTime = info.ModTime()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	changed := Diff(w.current, next)
	w.current = next
	w.modTime = info.ModTime()
	w.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	w.logger.Info("config reloaded",
		logging.Path(w.path), logging.Any("changed", changed))

	select {
	case w.changes <- changed:
	default:
	}
}
