package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/narrator/internal/backend"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/resilience"
	"github.com/MrWong99/narrator/pkg/credential"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/provider/tts/coqui"
	"github.com/MrWong99/narrator/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/narrator/pkg/provider/tts/gtranslate"
	"github.com/MrWong99/narrator/pkg/provider/tts/openai"
)

// keyless lists the kinds that work without an API key.
var keyless = map[string]bool{
	gtranslate.ID: true,
	coqui.ID:      true,
}

// RegisterBuiltinBackends wires the factories of every backend kind that
// ships with narrator into reg.
func RegisterBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend(elevenlabs.ID, func(e config.BackendEntry) (tts.Backend, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.StringOption("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		if e.Concurrency > 1 {
			opts = append(opts, elevenlabs.WithConcurrency(e.Concurrency))
		}
		return elevenlabs.New(e.APIKey, opts...), nil
	})

	reg.RegisterBackend(openai.ID, func(e config.BackendEntry) (tts.Backend, error) {
		var opts []openai.Option
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := e.StringOption("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if f := e.StringOption("response_format"); f != "" {
			opts = append(opts, openai.WithResponseFormat(f))
		}
		if e.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(e.Timeout))
		}
		if e.Concurrency > 1 {
			opts = append(opts, openai.WithConcurrency(e.Concurrency))
		}
		return openai.New(e.APIKey, opts...), nil
	})

	reg.RegisterBackend(coqui.ID, func(e config.BackendEntry) (tts.Backend, error) {
		if e.BaseURL == "" {
			return nil, fmt.Errorf("%w: coqui needs base_url", backend.ErrBackendNotConfigured)
		}
		var opts []coqui.Option
		if lang := e.StringOption("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := e.StringOption("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if e.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(e.Timeout))
		}
		if e.Concurrency > 1 {
			opts = append(opts, coqui.WithConcurrency(e.Concurrency))
		}
		return coqui.New(e.BaseURL, opts...), nil
	})

	reg.RegisterBackend(gtranslate.ID, func(e config.BackendEntry) (tts.Backend, error) {
		var opts []gtranslate.Option
		if e.BaseURL != "" {
			opts = append(opts, gtranslate.WithEndpoint(e.BaseURL))
		}
		return gtranslate.New(opts...), nil
	})

	for _, kind := range reg.Kinds() {
		slog.Debug("registered backend kind", "kind", kind)
	}
}

// descriptor builds the registry descriptor of entry. The factory reads the
// entry from the current config at resolve time so hot-reloaded changes
// apply on the next rebuild.
func (a *App) descriptor(e config.BackendEntry) backend.Descriptor {
	name := e.DisplayName
	if name == "" {
		name = e.ID()
	}
	id := e.ID()
	return backend.Descriptor{
		ID:                    id,
		DisplayName:           name,
		DefaultEnabled:        e.DefaultEnabled(),
		RequiresConfiguration: true,
		Factory: func(ctx context.Context) (tts.Backend, error) {
			return a.buildBackend(ctx, id)
		},
	}
}

// registerBackends (re-)registers a descriptor per configured entry.
func (a *App) registerBackends(entries []config.BackendEntry) error {
	for _, e := range entries {
		if err := a.backends.Register(a.descriptor(e)); err != nil {
			return fmt.Errorf("register backend %q: %w", e.ID(), err)
		}
	}
	return nil
}

// buildBackend constructs backend id with its rate limit and fallback chain.
func (a *App) buildBackend(ctx context.Context, id string) (tts.Backend, error) {
	cfg := a.config()
	b, err := a.buildPlain(ctx, cfg, id)
	if err != nil {
		return nil, err
	}

	entry, _ := findEntry(cfg, id)
	if len(entry.Fallbacks) == 0 {
		return b, nil
	}
	fb := resilience.NewBackendFallback(b, id, resilience.FallbackConfig{Logger: a.log})
	for _, fid := range entry.Fallbacks {
		f, err := a.buildPlain(ctx, cfg, fid)
		if err != nil {
			// A fallback that cannot be built is skipped rather than
			// failing the primary.
			a.log.Warn("fallback backend unavailable", "backend", id, "fallback", fid, "err", err)
			continue
		}
		fb.AddFallback(fid, f)
	}
	a.log.Info("backend fallback chain", "backend", id, "chain", fb.Chain())
	return fb, nil
}

// buildPlain constructs backend id from its entry, resolving the API key
// and applying the configured rate limit.
func (a *App) buildPlain(ctx context.Context, cfg *config.Config, id string) (tts.Backend, error) {
	entry, ok := findEntry(cfg, id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", backend.ErrBackendNotFound, id)
	}
	key, err := a.apiKey(ctx, entry)
	if err != nil {
		return nil, err
	}
	if key == "" && !keyless[entry.KindOrName()] {
		return nil, fmt.Errorf("%w: no API key for %q", backend.ErrBackendNotConfigured, id)
	}
	entry.APIKey = key

	b, err := a.kinds.CreateBackend(entry)
	if err != nil {
		return nil, err
	}
	if rl, ok := cfg.RateLimits[id]; ok && rl.RequestsPerSecond > 0 {
		limited := resilience.NewRateLimited(b, id, rl.RequestsPerSecond, rl.Burst)
		a.limitMu.Lock()
		a.limiters[id] = limited
		a.limitMu.Unlock()
		b = limited
	}
	return b, nil
}

// apiKey returns the key stored for entry in the credential store, falling
// back to the key in the config file.
func (a *App) apiKey(ctx context.Context, entry config.BackendEntry) (string, error) {
	key, err := a.creds.Get(ctx, credential.BackendAccount(entry.ID()))
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, credential.ErrNotFound):
		return entry.APIKey, nil
	default:
		return "", fmt.Errorf("read API key of %q: %w", entry.ID(), err)
	}
}

func findEntry(cfg *config.Config, id string) (config.BackendEntry, bool) {
	for _, e := range cfg.Backends {
		if e.ID() == id {
			return e, true
		}
	}
	return config.BackendEntry{}, false
}
