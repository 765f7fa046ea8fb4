package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/config"
)

const (
	baseYAML = `
server:
  log_level: info
backends:
  - name: gtranslate
persistence:
  sink: none
credentials:
  store: memory
`
	addedBackendYAML = `
server:
  log_level: debug
backends:
  - name: gtranslate
  - name: local
    kind: coqui
    base_url: http://localhost:5002
rate_limits:
  local:
    requests_per_second: 2
persistence:
  sink: none
credentials:
  store: memory
`
	badLevelYAML = `
server:
  log_level: bananas
`
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// recorder collects apply callbacks.
type recorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
}

func (r *recorder) apply(old, next *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]*config.Config{old, next})
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// newWatcher returns a watcher on a fresh file that only reloads on demand.
func newWatcher(t *testing.T, content string) (*config.Watcher, *recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	writeConfig(t, path, content)
	rec := &recorder{}
	w, err := config.NewWatcher(path, rec.apply, config.WithInterval(0))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, rec, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, rec, _ := newWatcher(t, baseYAML)
	if cfg := w.Current(); cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
	if rec.len() != 0 || w.Reloads() != 0 {
		t.Error("initial load must not count as a change")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		content     string
		wantApplied bool
		wantErr     bool
		wantLevel   config.LogLevel
	}{
		{name: "changed", content: addedBackendYAML, wantApplied: true, wantLevel: config.LogDebug},
		{name: "unchanged", content: baseYAML, wantLevel: config.LogInfo},
		{name: "invalid", content: badLevelYAML, wantErr: true, wantLevel: config.LogInfo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w, rec, path := newWatcher(t, baseYAML)
			writeConfig(t, path, tc.content)

			applied, err := w.Reload()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Reload error = %v, wantErr %v", err, tc.wantErr)
			}
			if applied != tc.wantApplied {
				t.Errorf("applied = %v, want %v", applied, tc.wantApplied)
			}
			if got := w.Current().Server.LogLevel; got != tc.wantLevel {
				t.Errorf("current level = %q, want %q", got, tc.wantLevel)
			}
			if want := map[bool]int{true: 1, false: 0}[tc.wantApplied]; rec.len() != want || w.Reloads() != want {
				t.Errorf("apply calls = %d, reloads = %d, want %d", rec.len(), w.Reloads(), want)
			}
		})
	}
}

func TestWatcher_ApplyReceivesDiffableConfigs(t *testing.T) {
	t.Parallel()

	w, rec, path := newWatcher(t, baseYAML)
	writeConfig(t, path, addedBackendYAML)
	if _, err := w.Reload(); err != nil {
		t.Fatal(err)
	}

	old, next := rec.calls[0][0], rec.calls[0][1]
	d := config.Diff(old, next)
	if !d.BackendsChanged || len(d.BackendChanges) != 1 || !d.BackendChanges[0].Added || d.BackendChanges[0].Name != "local" {
		t.Errorf("backend diff = %+v", d.BackendChanges)
	}
	if !d.RateLimitsChanged || !d.LogLevelChanged {
		t.Errorf("diff = %+v", d)
	}
}

func TestWatcher_Polls(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "narrator.yaml")
	writeConfig(t, path, baseYAML)
	changed := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeConfig(t, path, addedBackendYAML)
	// Guarantee a new mtime even on coarse-grained filesystems.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("polling did not pick up the change")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("Current() not updated by poll")
	}
}

func TestWatcher_TouchOnly(t *testing.T) {
	t.Parallel()

	w, rec, path := newWatcher(t, baseYAML)
	later := time.Now().Add(time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if applied, err := w.Reload(); err != nil || applied {
		t.Errorf("Reload() = %v, %v; want false, nil", applied, err)
	}
	if rec.len() != 0 {
		t.Error("apply called for a touch")
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()

	w, _, _ := newWatcher(t, baseYAML)
	w.Stop()
	w.Stop()
}
