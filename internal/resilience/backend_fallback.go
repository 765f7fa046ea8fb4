package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

// BackendFallback implements [tts.Backend] over a primary backend and an
// ordered list of fallbacks, each behind its own circuit breaker.
//
// Generate passes the voice ID through unchanged, so fallbacks must accept the
// primary's voice IDs. The model parameter is only sent to the primary.
// ListVoices, EstimateDuration and MaxConcurrency describe the primary.
type BackendFallback struct {
	primary tts.Backend
	group   *FallbackGroup[tts.Backend]
}

var _ tts.ConcurrentBackend = (*BackendFallback)(nil)

// NewBackendFallback creates a [BackendFallback] with primary as the preferred
// backend. cfg.Permanent defaults to [IsPermanent].
func NewBackendFallback(primary tts.Backend, primaryID string, cfg FallbackConfig) *BackendFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = IsPermanent
	}
	return &BackendFallback{
		primary: primary,
		group:   NewFallbackGroup(primary, primaryID, cfg),
	}
}

// AddFallback registers b to be tried after all earlier backends.
func (f *BackendFallback) AddFallback(id string, b tts.Backend) {
	f.group.AddFallback(id, withoutModel{b})
}

// withoutModel drops the model parameter, which names a model of the primary.
type withoutModel struct{ tts.Backend }

func (w withoutModel) Generate(ctx context.Context, text, voiceID string, params tts.Params) ([]byte, error) {
	return w.Backend.Generate(ctx, text, voiceID, params.With(tts.ParamModel, ""))
}

// Chain returns the backend IDs in the order they are tried.
func (f *BackendFallback) Chain() []string { return f.group.Names() }

// Breaker returns the circuit breaker guarding the backend with the given ID.
func (f *BackendFallback) Breaker(id string) *CircuitBreaker { return f.group.Breaker(id) }

// ListVoices returns the primary's voices.
func (f *BackendFallback) ListVoices(ctx context.Context) ([]types.Voice, error) {
	return f.primary.ListVoices(ctx)
}

// Generate tries the primary, then each fallback in order.
func (f *BackendFallback) Generate(ctx context.Context, text, voiceID string, params tts.Params) ([]byte, error) {
	if err := tts.ValidateRequest(text, voiceID); err != nil {
		return nil, err
	}
	return ExecuteWithResult(f.group, func(b tts.Backend) ([]byte, error) {
		audio, err := b.Generate(ctx, text, voiceID, params)
		if err == nil && len(audio) == 0 {
			return nil, errEmptyAudio
		}
		return audio, err
	})
}

var errEmptyAudio = errors.New("empty audio")

// EstimateDuration delegates to the primary.
func (f *BackendFallback) EstimateDuration(text, voiceID string) float64 {
	return f.primary.EstimateDuration(text, voiceID)
}

// IsConfigured reports whether any backend in the chain is configured.
func (f *BackendFallback) IsConfigured() bool {
	var configured bool
	for _, e := range f.group.entries {
		configured = configured || e.value.IsConfigured()
	}
	return configured
}

// MaxConcurrency returns the primary's concurrency.
func (f *BackendFallback) MaxConcurrency() int { return tts.Concurrency(f.primary) }

// IsPermanent reports errors that no other backend would answer differently:
// invalid input and context cancellation or expiry.
func IsPermanent(err error) bool {
	return errors.Is(err, tts.ErrInvalidInput) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
