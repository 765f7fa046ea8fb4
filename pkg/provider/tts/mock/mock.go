// Package mock provides a test double for the tts.Backend interface.
//
// Use Backend to feed controlled audio to the orchestrator and caches and to
// verify which texts, voices, and parameters reached the synthesis layer.
//
// Example:
//
//	b := &mock.Backend{
//	    Voices:     []types.Voice{{ID: "v1", Name: "Alice"}},
//	    Audio:      []byte("RIFF..."),
//	    Configured: true,
//	}
//	audio, _ := b.Generate(ctx, "hello", "v1", nil)
package mock

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Text is the text passed to Generate.
	Text string
	// VoiceID is the voice passed to Generate.
	VoiceID string
	// Params is a copy of the parameters passed to Generate.
	Params tts.Params
}

// Backend is a mock implementation of tts.Backend.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Voices is returned by ListVoices.
	Voices []types.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// Audio is returned by Generate when AudioFunc is nil. When both are nil
	// Generate returns the text bytes prefixed with the voice ID, which keeps
	// outputs distinct per request.
	Audio []byte

	// AudioFunc, if set, computes the Generate result.
	AudioFunc func(text, voiceID string, params tts.Params) ([]byte, error)

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// FailOn makes Generate fail with GenerateErr (or a generic backend error)
	// only for texts containing this substring.
	FailOn string

	// Delay makes Generate and ListVoices sleep before answering. Context
	// cancellation cuts the sleep short.
	Delay time.Duration

	// Configured is returned by IsConfigured.
	Configured bool

	// Concurrency, when > 1, is reported by MaxConcurrency.
	Concurrency int

	// OnGenerate, if set, is called at the start of every Generate call
	// (outside the lock). Tests use it to trigger side effects mid-batch.
	OnGenerate func(call int, text string)

	// --- Call records ---

	// GenerateCalls records every call to Generate in order.
	GenerateCalls []GenerateCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// ListVoices records the call and returns Voices, ListVoicesErr.
func (b *Backend) ListVoices(ctx context.Context) ([]types.Voice, error) {
	b.mu.Lock()
	b.ListVoicesCalls++
	delay := b.Delay
	voices := make([]types.Voice, len(b.Voices))
	copy(voices, b.Voices)
	listErr := b.ListVoicesErr
	b.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	if listErr != nil {
		return nil, listErr
	}
	return voices, nil
}

// Generate records the call and returns the configured audio or error.
func (b *Backend) Generate(ctx context.Context, text, voiceID string, params tts.Params) ([]byte, error) {
	if err := tts.ValidateRequest(text, voiceID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.GenerateCalls = append(b.GenerateCalls, GenerateCall{Text: text, VoiceID: voiceID, Params: maps.Clone(params)})
	call := len(b.GenerateCalls)
	delay := b.Delay
	fn := b.AudioFunc
	audio := b.Audio
	genErr := b.GenerateErr
	failOn := b.FailOn
	hook := b.OnGenerate
	b.mu.Unlock()

	if hook != nil {
		hook(call, text)
	}
	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}

	if failOn != "" && strings.Contains(text, failOn) {
		if genErr == nil {
			genErr = tts.Errorf("mock", "generate", "refusing %q", text)
		}
		return nil, genErr
	}
	if failOn == "" && genErr != nil {
		return nil, genErr
	}
	if fn != nil {
		return fn(text, voiceID, params)
	}
	if audio != nil {
		out := make([]byte, len(audio))
		copy(out, audio)
		return out, nil
	}
	return []byte(voiceID + ":" + text), nil
}

// EstimateDuration uses the shared word-rate heuristic.
func (b *Backend) EstimateDuration(text, _ string) float64 {
	return tts.EstimateDuration(text, tts.DefaultWordsPerSecond)
}

// IsConfigured returns Configured.
func (b *Backend) IsConfigured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Configured
}

// MaxConcurrency returns Concurrency.
func (b *Backend) MaxConcurrency() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Concurrency
}

// GenerateCount returns the number of recorded Generate calls. Thread-safe.
func (b *Backend) GenerateCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.GenerateCalls)
}

// ListVoicesCount returns the number of recorded ListVoices calls. Thread-safe.
func (b *Backend) ListVoicesCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ListVoicesCalls
}

// SetListVoices replaces the ListVoices response. Thread-safe.
func (b *Backend) SetListVoices(voices []types.Voice, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Voices = voices
	b.ListVoicesErr = err
}

// Reset clears all recorded calls. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.GenerateCalls = nil
	b.ListVoicesCalls = 0
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ensure Backend implements tts.ConcurrentBackend at compile time.
var _ tts.ConcurrentBackend = (*Backend)(nil)
