// Package tts defines the Backend interface for speech synthesis engines.
//
// A backend wraps a synthesis service (e.g., ElevenLabs, OpenAI, a local Coqui
// server, or Google Translate) and presents a uniform request/response
// interface: list the voices, turn one piece of text into audio bytes, and
// estimate how long that audio will play. Caching, batching, and persistence
// are layered on top by the caller; backends never cache.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/narrator/pkg/types"
)

// Backend is the abstraction over any synthesis engine.
//
// Implementations must be safe for concurrent use. The orchestrator calls
// Generate sequentially by default; backends that tolerate parallel requests
// advertise it through [ConcurrentBackend].
type Backend interface {
	// ListVoices returns every voice this backend can currently synthesize
	// with. The list reflects the live catalogue and may change between calls.
	//
	// Failures are reported as *[BackendError].
	ListVoices(ctx context.Context) ([]types.Voice, error)

	// Generate synthesizes text with the given voice and returns the encoded
	// audio bytes (the format is backend-specific: MP3, WAV, ...).
	//
	// Returns [ErrInvalidInput] (possibly wrapped) when text is empty or only
	// whitespace, or when voiceID is empty. Any other failure is a
	// *[BackendError]. Generate must never return partial audio with a nil
	// error.
	Generate(ctx context.Context, text, voiceID string, params Params) ([]byte, error)

	// EstimateDuration returns the expected playback length of text in
	// seconds. It is pure and never blocks. The result is at least 1.0 and is
	// monotonically non-decreasing in the length of text.
	EstimateDuration(text, voiceID string) float64

	// IsConfigured reports whether the backend has everything it needs
	// (credentials, endpoint) to serve requests.
	IsConfigured() bool
}

// ConcurrentBackend is implemented by backends that accept several Generate
// calls in parallel. MaxConcurrency values below 2 mean "sequential".
type ConcurrentBackend interface {
	Backend
	MaxConcurrency() int
}

// Concurrency returns the number of parallel Generate calls b allows. Backends
// that do not implement [ConcurrentBackend] get 1.
func Concurrency(b Backend) int {
	cb, ok := b.(ConcurrentBackend)
	if !ok {
		return 1
	}
	if n := cb.MaxConcurrency(); n > 1 {
		return n
	}
	return 1
}
