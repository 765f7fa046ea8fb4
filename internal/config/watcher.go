package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// stamp identifies one version of the watched file.
type stamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// Watcher keeps the config of one file current. It polls the file and can
// be asked to re-read it at once with [Watcher.Reload] (e.g., on SIGHUP).
// A new version that fails to decode or validate is logged and ignored; the
// last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, next *Config)
	log      *slog.Logger

	// reloadMu serialises reloads so apply sees versions in order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    stamp
	reloads int

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s. Zero or negative
// disables polling; the file is then only re-read by Reload.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

// WithWatcherLogger sets the logger for reload events.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts watching it. apply, if non-nil, is
// called with the previous and the new config after every accepted change.
func NewWatcher(path string, apply func(old, next *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		apply:    apply,
		log:      slog.Default(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, st

	if w.interval > 0 {
		go w.poll()
	}
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many changes have been accepted since NewWatcher.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) poll() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if _, err := w.reload(false); err != nil {
				w.log.Warn("config reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file regardless of its modification time and applies
// it when the content changed. It reports whether a new config was applied.
func (w *Watcher) Reload() (bool, error) {
	return w.reload(true)
}

func (w *Watcher) reload(force bool) (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	prev := w.seen
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return false, err
		}
		if info.ModTime().Equal(prev.mod) && info.Size() == prev.size {
			return false, nil
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if st.sum == prev.sum {
		// Touched only.
		w.seen = st
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.reloads++
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config reloaded",
		"path", w.path,
		"backend_changes", len(d.BackendChanges),
		"log_level_changed", d.LogLevelChanged,
		"rate_limits_changed", d.RateLimitsChanged,
	)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true, nil
}

// read decodes and validates the file and returns it with its stamp.
func (w *Watcher) read() (*Config, stamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mod: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, nil
}
