package app

import (
	"github.com/MrWong99/narrator/internal/config"
)

// Watch starts polling path for config changes and applies them with
// [App.ApplyConfig]. The returned watcher stops on Shutdown; callers may use
// its Reload to force a re-read.
func (a *App) Watch(path string, opts ...config.WatcherOption) (*config.Watcher, error) {
	opts = append([]config.WatcherOption{config.WithWatcherLogger(a.log)}, opts...)
	w, err := config.NewWatcher(path, a.ApplyConfig, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return w, nil
}

// ApplyConfig applies the hot-reloadable differences between old and next:
// the log level, backend entries and rate limits. Other sections need a
// restart.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)

	a.cfgMu.Lock()
	merged := *a.cfg
	merged.Backends = next.Backends
	merged.RateLimits = next.RateLimits
	merged.Server.LogLevel = next.Server.LogLevel
	a.cfg = &merged
	a.cfgMu.Unlock()

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}

	for _, bd := range d.BackendChanges {
		switch {
		case bd.Removed:
			a.backends.Unregister(bd.Name)
			a.dropLimiter(bd.Name)
			a.log.Info("backend removed", "backend", bd.Name)
		default:
			entry, ok := findEntry(&merged, bd.Name)
			if !ok {
				continue
			}
			if err := a.backends.Register(a.descriptor(entry)); err != nil {
				a.log.Warn("backend reload failed", "backend", bd.Name, "err", err)
				continue
			}
			a.dropLimiter(bd.Name)
			a.log.Info("backend reloaded", "backend", bd.Name, "added", bd.Added)
		}
		a.voices.Invalidate(bd.Name)
	}

	if d.RateLimitsChanged {
		a.applyRateLimits(old.RateLimits, next.RateLimits)
	}
}

// applyRateLimits retunes live limiters in place. Backends gaining or losing
// a limit are rebuilt on their next resolve.
func (a *App) applyRateLimits(old, next map[string]config.RateLimitConfig) {
	ids := make(map[string]struct{}, len(old)+len(next))
	for id := range old {
		ids[id] = struct{}{}
	}
	for id := range next {
		ids[id] = struct{}{}
	}
	for id := range ids {
		rl, ok := next[id]
		a.limitMu.Lock()
		limiter := a.limiters[id]
		a.limitMu.Unlock()

		if ok && rl.RequestsPerSecond > 0 && limiter != nil {
			limiter.SetLimit(rl.RequestsPerSecond, rl.Burst)
			a.log.Info("rate limit changed", "backend", id, "rps", rl.RequestsPerSecond, "burst", rl.Burst)
			continue
		}
		a.dropLimiter(id)
		a.backends.Invalidate(id)
	}
}

func (a *App) dropLimiter(id string) {
	a.limitMu.Lock()
	delete(a.limiters, id)
	a.limitMu.Unlock()
}
