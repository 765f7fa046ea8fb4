// Package app wires all narrator subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCredentials,
// WithSettings, WithSink, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/MrWong99/narrator/internal/api"
	"github.com/MrWong99/narrator/internal/audiocache"
	"github.com/MrWong99/narrator/internal/backend"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/health"
	"github.com/MrWong99/narrator/internal/mcpserver"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/internal/orchestrator"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/internal/voicecache"
	"github.com/MrWong99/narrator/pkg/credential"
	"github.com/MrWong99/narrator/pkg/credential/sqlite"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/sink/fs"
	"github.com/MrWong99/narrator/pkg/sink/natsobj"
	"github.com/MrWong99/narrator/pkg/sink/postgres"
)

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	log       *slog.Logger
	level     *slog.LevelVar
	version   string
	metrics   *observe.Metrics
	telemetry *observe.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	kinds    *config.Registry
	creds    credential.Store
	settings *config.SettingsStore
	sink     sink.Sink
	backends *backend.Registry
	voices   *voicecache.Cache
	audio    *audiocache.Cache
	orch     *orchestrator.Orchestrator
	jobs     *orchestrator.Jobs
	health   *health.Handler
	mcp      *mcpserver.Server

	limitMu  sync.Mutex
	limiters map[string]*resilience.RateLimited

	snapshotPath string
	checkers     []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCredentials injects a credential store instead of opening the
// configured one.
func WithCredentials(s credential.Store) Option {
	return func(a *App) { a.creds = s }
}

// WithSettings injects a settings store instead of opening the settings file.
func WithSettings(s *config.SettingsStore) Option {
	return func(a *App) { a.settings = s }
}

// WithSink injects a persistence sink instead of building the configured one.
func WithSink(s sink.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithBackendKinds replaces the built-in backend factories.
func WithBackendKinds(r *config.Registry) Option {
	return func(a *App) { a.kinds = r }
}

// WithTelemetry makes the app create its instruments on p and serve p's
// Prometheus registry.
func WithTelemetry(p *observe.Provider) Option {
	return func(a *App) { a.telemetry = p }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// New creates an App by wiring all subsystems together. cfg must have its
// defaults and paths resolved.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		log:      slog.Default(),
		version:  "dev",
		limiters: make(map[string]*resilience.RateLimited),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil && a.telemetry != nil {
		m, err := a.telemetry.Metrics()
		if err != nil {
			return nil, fmt.Errorf("app: metrics: %w", err)
		}
		a.metrics = m
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.kinds == nil {
		a.kinds = config.NewRegistry()
		RegisterBuiltinBackends(a.kinds)
	}

	// ── 1. Credentials and settings ─────────────────────────────────────
	if err := a.initCredentials(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init credentials: %w", err))
	}
	if err := a.initSettings(); err != nil {
		return nil, a.abort(fmt.Errorf("app: init settings: %w", err))
	}

	// ── 2. Persistence sink ─────────────────────────────────────────────
	if err := a.initSink(ctx); err != nil {
		return nil, a.abort(fmt.Errorf("app: init sink: %w", err))
	}

	// ── 3. Backends ─────────────────────────────────────────────────────
	a.backends = backend.NewRegistry(a.settings)
	if err := a.registerBackends(cfg.Backends); err != nil {
		return nil, a.abort(fmt.Errorf("app: %w", err))
	}

	// ── 4. Caches ───────────────────────────────────────────────────────
	a.initCaches()

	// ── 5. Orchestrator and jobs ────────────────────────────────────────
	a.orch = orchestrator.New(a.backends, a.voices, a.audio,
		orchestrator.WithSink(a.sink),
		orchestrator.WithParams(a.params),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.log),
	)
	a.jobs = orchestrator.NewJobs(context.WithoutCancel(ctx), a.orch)

	// ── 6. Health and MCP ───────────────────────────────────────────────
	a.health = health.New(append([]health.Checker{health.BackendsCheck(a.backends)}, a.checkers...)...)
	a.mcp = mcpserver.New(a.version, a.backends, a.orch, a.jobs,
		mcpserver.WithLogger(a.log),
		mcpserver.WithSaveInterval(a.settings.SaveInterval),
	)

	return a, nil
}

// abort runs the closers registered so far and returns err.
func (a *App) abort(err error) error {
	for _, c := range a.closers {
		if cerr := c(); cerr != nil {
			a.log.Warn("closer error", "err", cerr)
		}
	}
	a.closers = nil
	return err
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initCredentials() error {
	if a.creds != nil {
		return nil
	}
	switch a.cfg.Credentials.Store {
	case config.CredentialsMemory:
		a.creds = credential.NewMemory()
	case config.CredentialsSQLite:
		store, err := sqlite.Open(a.cfg.Credentials.Path)
		if err != nil {
			return err
		}
		a.creds = store
		a.closers = append(a.closers, store.Close)
		a.checkers = append(a.checkers, health.PingCheck("credentials", store))
		a.log.Info("credential store opened", "path", a.cfg.Credentials.Path)
	default:
		return fmt.Errorf("unknown credential store %q", a.cfg.Credentials.Store)
	}
	return nil
}

func (a *App) initSettings() error {
	if a.settings != nil {
		return nil
	}
	s, err := config.OpenSettings(a.cfg.Server.SettingsFile)
	if err != nil {
		return err
	}
	a.settings = s
	return nil
}

func (a *App) initSink(ctx context.Context) error {
	if a.sink != nil {
		return nil
	}
	p := a.cfg.Persistence
	switch p.Sink {
	case config.SinkNone:
		a.sink = sink.Nop{}

	case config.SinkFS:
		s, err := fs.New(p.Dir)
		if err != nil {
			return err
		}
		a.sink = s
		a.checkers = append(a.checkers, health.Checker{Name: "sink", Check: s.Writable})

	case config.SinkPostgres:
		pool, err := pgxpool.New(ctx, p.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.sink = s
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.PingCheck("sink", s))

	case config.SinkNATS:
		nc, err := nats.Connect(p.NATSURL, nats.Name(config.AppName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return fmt.Errorf("nats jetstream: %w", err)
		}
		s, err := natsobj.New(js, p.NATSBucket)
		if err != nil {
			nc.Close()
			return err
		}
		a.sink = s
		a.closers = append(a.closers, nc.Drain)
		a.checkers = append(a.checkers, health.PingCheck("sink", s))

	default:
		return fmt.Errorf("unknown sink %q", p.Sink)
	}
	a.log.Info("persistence sink ready", "sink", p.Sink)
	return nil
}

func (a *App) initCaches() {
	a.audio = audiocache.New(a.settings.AudioCacheMaxBytes(),
		audiocache.WithMetrics(a.metrics),
		audiocache.WithLogger(a.log),
	)
	if path := a.cfg.Cache.SnapshotPath; path != "" && path != "-" {
		a.snapshotPath = path
		n, err := a.audio.LoadFile(path)
		if err != nil {
			a.log.Warn("audio cache snapshot not loaded", "path", path, "err", err)
		} else if n > 0 {
			st := a.audio.Stats()
			a.log.Info("audio cache snapshot loaded", "entries", n, "size", humanize.Bytes(uint64(st.Bytes)))
		}
	}

	a.voices = voicecache.New(a.backends,
		voicecache.WithTTLFunc(a.settings.VoiceCacheTTL),
		voicecache.WithStalenessCeiling(a.cfg.Cache.StalenessCeiling),
		voicecache.WithFetchTimeout(a.cfg.Cache.FetchTimeout),
		voicecache.WithMetrics(a.metrics),
		voicecache.WithLogger(a.log),
	)

	a.settings.OnChange(func(old, cur config.Settings) {
		if old.AudioCacheMaxBytes != cur.AudioCacheMaxBytes {
			a.audio.SetMaxBytes(cur.AudioCacheMaxBytes)
			a.log.Info("audio cache budget changed", "max", humanize.Bytes(uint64(cur.AudioCacheMaxBytes)))
		}
	})
}

// params returns the generation parameters of backendID: the selected model,
// if any.
func (a *App) params(backendID string) tts.Params {
	if m := a.settings.SelectedModel(backendID); m != "" {
		return tts.Params{tts.ParamModel: m}
	}
	return nil
}

func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Backends returns the backend registry.
func (a *App) Backends() *backend.Registry { return a.backends }

// Orchestrator returns the generation orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Jobs returns the batch job tracker.
func (a *App) Jobs() *orchestrator.Jobs { return a.jobs }

// Settings returns the runtime settings store.
func (a *App) Settings() *config.SettingsStore { return a.settings }

// AudioCache returns the audio artifact cache.
func (a *App) AudioCache() *audiocache.Cache { return a.audio }

// VoiceCache returns the voice catalog cache.
func (a *App) VoiceCache() *voicecache.Cache { return a.voices }

// Credentials returns the credential store.
func (a *App) Credentials() credential.Store { return a.creds }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// MCP returns the MCP server.
func (a *App) MCP() *mcpserver.Server { return a.mcp }

// ─── Serving ─────────────────────────────────────────────────────────────────

// Handler returns the complete HTTP surface: the API under /v1/, health
// probes, Prometheus metrics and the optional MCP endpoint.
func (a *App) Handler() http.Handler {
	cfg := a.config()
	mux := http.NewServeMux()
	mux.Handle("/v1/", api.New(a.backends, a.orch, a.jobs, a.settings, a.audio, a.log).Handler(a.metrics))
	a.health.Register(mux)
	if path := cfg.Telemetry.MetricsPath; path != "" && path != "-" {
		h := observe.MetricsHandler()
		if a.telemetry != nil {
			h = a.telemetry.MetricsHandler()
		}
		mux.Handle("GET "+path, h)
	}
	if path := cfg.MCP.HTTPPath; path != "" {
		mux.Handle(path, a.mcp.HTTPHandler())
	}
	return mux
}

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled. It then stops accepting requests and waits up to the shutdown
// timeout for in-flight ones.
func (a *App) Run(ctx context.Context) error {
	cfg := a.config()
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			a.log.Info("serving HTTPS", "addr", srv.Addr)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			a.log.Info("serving HTTP", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: stop http: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// RunMCPStdio serves the MCP tools over stdin and stdout until ctx is done.
func (a *App) RunMCPStdio(ctx context.Context) error {
	return a.mcp.RunStdio(ctx)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops running batches, saves the audio cache snapshot and closes
// all subsystems. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.jobs.Shutdown(ctx); err != nil {
			a.log.Warn("batch shutdown", "err", err)
		}

		if a.snapshotPath != "" {
			if err := a.audio.SaveFile(a.snapshotPath); err != nil {
				a.log.Warn("audio cache snapshot not saved", "path", a.snapshotPath, "err", err)
			} else {
				st := a.audio.Stats()
				a.log.Info("audio cache snapshot saved", "entries", st.Entries, "size", humanize.Bytes(uint64(st.Bytes)))
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
