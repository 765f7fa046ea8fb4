package config

import (
	"cmp"
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	BackendsChanged bool          // true if any backend entry was added, removed, or modified
	BackendChanges  []BackendDiff // per-backend diffs, sorted by name
	LogLevelChanged bool
	NewLogLevel     LogLevel
	// RateLimitsChanged is true if any backend's rate limit was added,
	// removed, or modified.
	RateLimitsChanged bool
}

// BackendDiff describes what changed for a single backend between two
// configs.
type BackendDiff struct {
	Name    string
	Added   bool
	Removed bool
	// Modified is true when the entry exists in both configs but any field
	// differs. The backend's cached instance must be rebuilt.
	Modified bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldBackends := make(map[string]*BackendEntry, len(old.Backends))
	for i := range old.Backends {
		oldBackends[old.Backends[i].Name] = &old.Backends[i]
	}
	newBackends := make(map[string]*BackendEntry, len(new.Backends))
	for i := range new.Backends {
		newBackends[new.Backends[i].Name] = &new.Backends[i]
	}

	for name, ob := range oldBackends {
		nb, exists := newBackends[name]
		switch {
		case !exists:
			d.BackendChanges = append(d.BackendChanges, BackendDiff{Name: name, Removed: true})
		case !reflect.DeepEqual(ob, nb):
			d.BackendChanges = append(d.BackendChanges, BackendDiff{Name: name, Modified: true})
		}
	}
	for name := range newBackends {
		if _, exists := oldBackends[name]; !exists {
			d.BackendChanges = append(d.BackendChanges, BackendDiff{Name: name, Added: true})
		}
	}
	slices.SortFunc(d.BackendChanges, func(a, b BackendDiff) int { return cmp.Compare(a.Name, b.Name) })
	d.BackendsChanged = len(d.BackendChanges) > 0

	d.RateLimitsChanged = !maps.Equal(old.RateLimits, new.RateLimits)

	return d
}
