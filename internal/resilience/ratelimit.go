package resilience

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// RateLimited throttles the Generate calls of a wrapped [tts.Backend] with a
// token bucket. ListVoices is not throttled.
type RateLimited struct {
	tts.Backend
	id      string
	limiter *rate.Limiter
}

var _ tts.ConcurrentBackend = (*RateLimited)(nil)

// NewRateLimited allows rps Generate calls per second with the given burst.
// A burst below 1 is raised to 1.
func NewRateLimited(b tts.Backend, id string, rps float64, burst int) *RateLimited {
	return &RateLimited{
		Backend: b,
		id:      id,
		limiter: rate.NewLimiter(rate.Limit(rps), max(burst, 1)),
	}
}

// Generate waits for a token and then calls the wrapped backend. Input is
// validated first so invalid requests never consume a token.
func (r *RateLimited) Generate(ctx context.Context, text, voiceID string, params tts.Params) ([]byte, error) {
	if err := tts.ValidateRequest(text, voiceID); err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tts.Wrap(r.id, "generate", err)
	}
	return r.Backend.Generate(ctx, text, voiceID, params)
}

// MaxConcurrency reports the wrapped backend's concurrency.
func (r *RateLimited) MaxConcurrency() int { return tts.Concurrency(r.Backend) }

// SetLimit changes the rate and burst in place.
func (r *RateLimited) SetLimit(rps float64, burst int) {
	r.limiter.SetLimit(rate.Limit(rps))
	r.limiter.SetBurst(max(burst, 1))
}
