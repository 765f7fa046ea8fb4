package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults of the runtime settings.
const (
	DefaultVoiceCacheTTLSeconds = 300
	DefaultAudioCacheMaxBytes   = 500_000_000
	DefaultSaveInterval         = 1
)

// Settings are the runtime-mutable options. Unlike [Config] they are changed
// through the API or CLI while the service runs and persist across restarts.
type Settings struct {
	// VoiceCacheTTLSeconds is how long a fetched voice catalog stays fresh.
	VoiceCacheTTLSeconds int `yaml:"voice_cache_ttl_seconds" json:"voice_cache_ttl_seconds"`

	// AudioCacheMaxBytes is the byte budget of the audio artifact cache.
	AudioCacheMaxBytes int64 `yaml:"audio_cache_max_bytes" json:"audio_cache_max_bytes"`

	// SelectedModels maps backend IDs to the model used for generation.
	// Backends without an entry use their configured default.
	SelectedModels map[string]string `yaml:"selected_models,omitempty" json:"selected_models,omitempty"`

	// SaveInterval is the default number of items between sink flushes.
	SaveInterval int `yaml:"save_interval" json:"save_interval"`

	// EnabledBackends holds operator overrides of the backends' default
	// enabled state.
	EnabledBackends map[string]bool `yaml:"enabled_backends,omitempty" json:"enabled_backends,omitempty"`
}

// ErrInvalidSettings is returned when an update leaves a setting out of range.
var ErrInvalidSettings = errors.New("config: invalid settings")

// DefaultSettings returns the settings used before anything is persisted.
func DefaultSettings() Settings {
	return Settings{
		VoiceCacheTTLSeconds: DefaultVoiceCacheTTLSeconds,
		AudioCacheMaxBytes:   DefaultAudioCacheMaxBytes,
		SaveInterval:         DefaultSaveInterval,
	}
}

// Validate reports every out-of-range field.
func (s Settings) Validate() error {
	var errs []error
	if s.VoiceCacheTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("voice_cache_ttl_seconds %d must be positive", s.VoiceCacheTTLSeconds))
	}
	if s.AudioCacheMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("audio_cache_max_bytes %d must be positive", s.AudioCacheMaxBytes))
	}
	if s.SaveInterval < 1 {
		errs = append(errs, fmt.Errorf("save_interval %d must be at least 1", s.SaveInterval))
	}
	return errors.Join(errs...)
}

func (s Settings) clone() Settings {
	s.SelectedModels = maps.Clone(s.SelectedModels)
	s.EnabledBackends = maps.Clone(s.EnabledBackends)
	return s
}

// fillDefaults replaces zero values left by an older or hand-edited file.
func (s *Settings) fillDefaults() {
	d := DefaultSettings()
	if s.VoiceCacheTTLSeconds == 0 {
		s.VoiceCacheTTLSeconds = d.VoiceCacheTTLSeconds
	}
	if s.AudioCacheMaxBytes == 0 {
		s.AudioCacheMaxBytes = d.AudioCacheMaxBytes
	}
	if s.SaveInterval == 0 {
		s.SaveInterval = d.SaveInterval
	}
}

// SettingsStore holds the current [Settings], persists every change to a
// YAML file, and notifies subscribers. It is safe for concurrent use and
// implements the backend registry's enabled-state store.
type SettingsStore struct {
	path string

	mu       sync.RWMutex
	current  Settings
	subs     []func(old, new Settings)
	persistM sync.Mutex
}

// OpenSettings loads the settings file at path. A missing file yields the
// defaults; the file is created on the first change.
func OpenSettings(path string) (*SettingsStore, error) {
	s := &SettingsStore{path: path, current: DefaultSettings()}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("config: read settings %q: %w", path, err)
	}

	var loaded Settings
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("config: decode settings %q: %w", path, err)
	}
	loaded.fillDefaults()
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("config: settings %q: %w", path, err)
	}
	s.current = loaded
	return s, nil
}

// NewMemorySettings returns a store that starts from initial and never
// touches the filesystem.
func NewMemorySettings(initial Settings) *SettingsStore {
	initial.fillDefaults()
	return &SettingsStore{current: initial.clone()}
}

// Path returns the settings file path, or "" for an in-memory store.
func (s *SettingsStore) Path() string { return s.path }

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// OnChange registers fn to be called after every successful update, outside
// the store's lock.
func (s *SettingsStore) OnChange(fn func(old, new Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Update applies fn to a copy of the current settings, validates and persists
// the result, then makes it current. Nothing changes when fn's result is
// invalid or cannot be written.
func (s *SettingsStore) Update(fn func(*Settings)) error {
	s.persistM.Lock()
	defer s.persistM.Unlock()

	s.mu.RLock()
	old := s.current.clone()
	s.mu.RUnlock()

	next := old.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if err := s.persist(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = next
	subs := append([]func(old, new Settings){}, s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(old.clone(), next.clone())
	}
	return nil
}

// Replace validates and stores next as a whole.
func (s *SettingsStore) Replace(next Settings) error {
	next.fillDefaults()
	return s.Update(func(cur *Settings) { *cur = next.clone() })
}

// persist writes next to the settings file via a temp file and rename.
func (s *SettingsStore) persist(next Settings) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(next)
	if err != nil {
		return fmt.Errorf("config: encode settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("config: write settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: sync settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("config: replace settings: %w", err)
	}
	slog.Debug("settings persisted", "path", s.path)
	return nil
}

// VoiceCacheTTL returns the voice catalog TTL.
func (s *SettingsStore) VoiceCacheTTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.current.VoiceCacheTTLSeconds) * time.Second
}

// SetVoiceCacheTTL changes the voice catalog TTL.
func (s *SettingsStore) SetVoiceCacheTTL(d time.Duration) error {
	return s.Update(func(cur *Settings) { cur.VoiceCacheTTLSeconds = int(d / time.Second) })
}

// AudioCacheMaxBytes returns the audio cache byte budget.
func (s *SettingsStore) AudioCacheMaxBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AudioCacheMaxBytes
}

// SetAudioCacheMaxBytes changes the audio cache byte budget.
func (s *SettingsStore) SetAudioCacheMaxBytes(n int64) error {
	return s.Update(func(cur *Settings) { cur.AudioCacheMaxBytes = n })
}

// SaveInterval returns the default flush interval of batch runs.
func (s *SettingsStore) SaveInterval() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.SaveInterval
}

// SetSaveInterval changes the default flush interval of batch runs.
func (s *SettingsStore) SetSaveInterval(n int) error {
	return s.Update(func(cur *Settings) { cur.SaveInterval = n })
}

// SelectedModel returns the model selected for backendID, or "".
func (s *SettingsStore) SelectedModel(backendID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.SelectedModels[backendID]
}

// SetSelectedModel selects model for backendID. An empty model clears the
// selection.
func (s *SettingsStore) SetSelectedModel(backendID, model string) error {
	return s.Update(func(cur *Settings) {
		if model == "" {
			delete(cur.SelectedModels, backendID)
			return
		}
		if cur.SelectedModels == nil {
			cur.SelectedModels = make(map[string]string)
		}
		cur.SelectedModels[backendID] = model
	})
}

// BackendEnabled returns the stored enabled override for id, if any.
func (s *SettingsStore) BackendEnabled(id string) (enabled, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok = s.current.EnabledBackends[id]
	return enabled, ok
}

// SetBackendEnabled stores an enabled override for id.
func (s *SettingsStore) SetBackendEnabled(id string, enabled bool) error {
	return s.Update(func(cur *Settings) {
		if cur.EnabledBackends == nil {
			cur.EnabledBackends = make(map[string]bool)
		}
		cur.EnabledBackends[id] = enabled
	})
}
