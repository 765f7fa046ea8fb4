package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidBackendKinds lists the backend implementations known to the default
// registry. Used by [Validate] to warn about unrecognised kinds.
var ValidBackendKinds = []string{"elevenlabs", "openai", "coqui", "gtranslate", "mock"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultStalenessCeiling = 24 * time.Hour
	DefaultFetchTimeout     = 30 * time.Second
	DefaultNATSBucket       = "narrator"
	DefaultMetricsPath      = "/metrics"
)

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win. A missing default .env file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: load env files: %w", err)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references from
// the environment, applies defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.Expand(string(raw), func(name string) string {
		// Keep a literal "$" for "$$".
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied and no backends
// beyond the keyless gtranslate backend.
func Default() *Config {
	cfg := &Config{Backends: []BackendEntry{{Name: "gtranslate"}}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Cache.StalenessCeiling <= 0 {
		cfg.Cache.StalenessCeiling = DefaultStalenessCeiling
	}
	if cfg.Cache.FetchTimeout <= 0 {
		cfg.Cache.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Persistence.Sink == "" {
		cfg.Persistence.Sink = SinkFS
	}
	if cfg.Persistence.NATSBucket == "" {
		cfg.Persistence.NATSBucket = DefaultNATSBucket
	}
	if cfg.Credentials.Store == "" {
		cfg.Credentials.Store = CredentialsSQLite
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = AppName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Backends
	seen := make(map[string]int, len(cfg.Backends))
	for i, b := range cfg.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[b.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of backends[%d]", prefix, b.Name, prev))
		}
		seen[b.Name] = i
		validateBackendKind(b.KindOrName())

		if b.KindOrName() == "coqui" && b.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s: kind coqui requires base_url", prefix))
		}
		if b.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("%s.concurrency %d must not be negative", prefix, b.Concurrency))
		}
		if b.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout %s must not be negative", prefix, b.Timeout))
		}
	}
	// Fallbacks must reference other configured backends.
	for i, b := range cfg.Backends {
		for _, fb := range b.Fallbacks {
			if fb == b.Name {
				errs = append(errs, fmt.Errorf("backends[%d].fallbacks: %q falls back to itself", i, fb))
			} else if _, ok := seen[fb]; !ok {
				errs = append(errs, fmt.Errorf("backends[%d].fallbacks: unknown backend %q", i, fb))
			}
		}
	}
	if len(cfg.Backends) == 0 {
		slog.Warn("no backends configured; generation requests will fail")
	}

	// Rate limits
	for name, rl := range cfg.RateLimits {
		if _, ok := seen[name]; !ok {
			errs = append(errs, fmt.Errorf("rate_limits.%s: unknown backend", name))
		}
		if rl.RequestsPerSecond <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s.requests_per_second must be positive", name))
		}
		if rl.Burst < 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s.burst must not be negative", name))
		}
	}

	// Persistence
	p := cfg.Persistence
	if p.Sink != "" && !p.Sink.IsValid() {
		errs = append(errs, fmt.Errorf("persistence.sink %q is invalid; valid values: none, fs, postgres, nats", p.Sink))
	}
	if p.Sink == SinkPostgres && p.PostgresDSN == "" {
		errs = append(errs, errors.New("persistence.postgres_dsn is required when sink is postgres"))
	}
	if p.Sink == SinkNATS && p.NATSURL == "" {
		errs = append(errs, errors.New("persistence.nats_url is required when sink is nats"))
	}

	// Credentials
	if cfg.Credentials.Store != "" && !cfg.Credentials.Store.IsValid() {
		errs = append(errs, fmt.Errorf("credentials.store %q is invalid; valid values: memory, sqlite", cfg.Credentials.Store))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0, 1]", r))
	}

	// MCP
	if path := cfg.MCP.HTTPPath; path != "" && !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Errorf("mcp.http_path %q must start with /", path))
	}

	return errors.Join(errs...)
}

// validateBackendKind logs a warning if kind is not one of [ValidBackendKinds].
func validateBackendKind(kind string) {
	if slices.Contains(ValidBackendKinds, kind) {
		return
	}
	slog.Warn("unknown backend kind; may be a typo or a custom registration",
		"kind", kind,
		"known", ValidBackendKinds,
	)
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}
