package config

import (
	"fmt"
	"os"
	"path/filepath"

	gap "github.com/muesli/go-app-paths"
)

// AppName is the application name used for per-user directories.
const AppName = "narrator"

// Default file names inside the per-user directories.
const (
	ConfigFileName    = "narrator.yaml"
	SettingsFileName  = "settings.yaml"
	SnapshotFileName  = "audio-cache.zst"
	CredentialsDBName = "credentials.db"
	OutputDirName     = "output"
)

func scope() *gap.Scope {
	return gap.NewScope(gap.User, AppName)
}

// ConfigPath returns the path of name inside the user config directory.
// NARRATOR_CONFIG_HOME overrides the directory.
func ConfigPath(name string) (string, error) {
	if dir := os.Getenv("NARRATOR_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, name), nil
	}
	p, err := scope().ConfigPath(name)
	if err != nil {
		return "", fmt.Errorf("config: locate config dir: %w", err)
	}
	return p, nil
}

// DataPath returns the path of name inside the user data directory.
// NARRATOR_DATA_HOME overrides the directory.
func DataPath(name string) (string, error) {
	if dir := os.Getenv("NARRATOR_DATA_HOME"); dir != "" {
		return filepath.Join(dir, name), nil
	}
	p, err := scope().DataPath(name)
	if err != nil {
		return "", fmt.Errorf("config: locate data dir: %w", err)
	}
	return p, nil
}

// FindConfigFile returns the first existing narrator.yaml in the config
// search path, or "" when there is none.
func FindConfigFile() string {
	var dirs []string
	if dir := os.Getenv("NARRATOR_CONFIG_HOME"); dir != "" {
		dirs = append(dirs, dir)
	}
	if found, err := scope().ConfigDirs(); err == nil {
		dirs = append(dirs, found...)
	}
	for _, dir := range dirs {
		p := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ResolvePaths fills the empty file locations of cfg with the per-user
// defaults.
func ResolvePaths(cfg *Config) error {
	var err error
	if cfg.Server.SettingsFile == "" {
		if cfg.Server.SettingsFile, err = ConfigPath(SettingsFileName); err != nil {
			return err
		}
	}
	if cfg.Cache.SnapshotPath == "" {
		if cfg.Cache.SnapshotPath, err = DataPath(SnapshotFileName); err != nil {
			return err
		}
	}
	if cfg.Credentials.Store == CredentialsSQLite && cfg.Credentials.Path == "" {
		if cfg.Credentials.Path, err = DataPath(CredentialsDBName); err != nil {
			return err
		}
	}
	if cfg.Persistence.Sink == SinkFS && cfg.Persistence.Dir == "" {
		if cfg.Persistence.Dir, err = DataPath(OutputDirName); err != nil {
			return err
		}
	}
	return nil
}
