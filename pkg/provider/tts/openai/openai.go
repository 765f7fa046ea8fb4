// Package openai provides a synthesis backend backed by the OpenAI speech API.
//
// OpenAI exposes a fixed set of voices that every speech model can use, so
// ListVoices never touches the network. Generate issues one
// POST /audio/speech request per call.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

// ID is the backend identifier used in voice records and errors.
const ID = "openai"

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelTTS1

// Models lists the speech models accepted as the "model" parameter.
var Models = []string{oai.SpeechModelTTS1, oai.SpeechModelTTS1HD, oai.SpeechModelGPT4oMiniTTS}

// ParamInstructions carries free-form voice instructions. Only
// gpt-4o-mini-tts honours it.
const ParamInstructions = "instructions"

// builtinVoices is the OpenAI voice set. Gender tags follow the OpenAI voice
// previews.
var builtinVoices = []types.Voice{
	{ID: "alloy", Name: "Alloy", Gender: "neutral"},
	{ID: "ash", Name: "Ash", Gender: "male"},
	{ID: "ballad", Name: "Ballad", Gender: "male"},
	{ID: "coral", Name: "Coral", Gender: "female"},
	{ID: "echo", Name: "Echo", Gender: "male"},
	{ID: "fable", Name: "Fable", Gender: "neutral"},
	{ID: "onyx", Name: "Onyx", Gender: "male"},
	{ID: "nova", Name: "Nova", Gender: "female"},
	{ID: "sage", Name: "Sage", Gender: "female"},
	{ID: "shimmer", Name: "Shimmer", Gender: "female"},
	{ID: "verse", Name: "Verse", Gender: "male"},
}

// Ensure Backend implements the tts.ConcurrentBackend interface.
var _ tts.ConcurrentBackend = (*Backend)(nil)

// Backend implements tts.Backend using the OpenAI API.
type Backend struct {
	client      oai.Client
	configured  bool
	model       string
	format      string
	concurrency int
}

// config holds optional configuration for the backend.
type config struct {
	baseURL      string
	organization string
	model        string
	format       string
	timeout      time.Duration
	maxRetries   int
	concurrency  int
}

// Option is a functional option for Backend.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithModel sets the default speech model.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithResponseFormat sets the audio container ("mp3", "wav", "opus", ...).
func WithResponseFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries transient failures.
// Negative values keep the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithConcurrency allows up to n parallel Generate calls.
func WithConcurrency(n int) Option {
	return func(c *config) {
		c.concurrency = n
	}
}

// New constructs a new OpenAI speech Backend. An empty apiKey yields a
// backend that reports IsConfigured() == false.
func New(apiKey string, opts ...Option) *Backend {
	cfg := &config{model: DefaultModel, format: "mp3", maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Backend{
		client:      oai.NewClient(reqOpts...),
		configured:  apiKey != "",
		model:       cfg.model,
		format:      cfg.format,
		concurrency: cfg.concurrency,
	}
}

// IsConfigured reports whether an API key was supplied.
func (b *Backend) IsConfigured() bool { return b.configured }

// MaxConcurrency implements tts.ConcurrentBackend.
func (b *Backend) MaxConcurrency() int { return b.concurrency }

// EstimateDuration implements tts.Backend.
func (b *Backend) EstimateDuration(text, _ string) float64 {
	return tts.EstimateDuration(text, tts.DefaultWordsPerSecond)
}

// ListVoices implements tts.Backend. The voice set is static.
func (b *Backend) ListVoices(_ context.Context) ([]types.Voice, error) {
	voices := make([]types.Voice, len(builtinVoices))
	for i, v := range builtinVoices {
		v.Backend = ID
		voices[i] = v
	}
	return voices, nil
}

// Generate implements tts.Backend.
func (b *Backend) Generate(ctx context.Context, text, voiceID string, params tts.Params) ([]byte, error) {
	if err := tts.ValidateRequest(text, voiceID); err != nil {
		return nil, err
	}
	if !b.configured {
		return nil, tts.Errorf(ID, "generate", "no API key")
	}

	req := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          b.model,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(b.format),
	}
	if m := params.Get(tts.ParamModel); m != "" {
		req.Model = m
	}
	if f := params.Get(tts.ParamFormat); f != "" {
		req.ResponseFormat = oai.AudioSpeechNewParamsResponseFormat(f)
	}
	if s := params.Get(tts.ParamSpeed); s != "" {
		speed, err := strconv.ParseFloat(s, 64)
		if err != nil || speed < 0.25 || speed > 4.0 {
			return nil, fmt.Errorf("%w: speed %q outside 0.25-4.0", tts.ErrInvalidInput, s)
		}
		req.Speed = oai.Float(speed)
	}
	if ins := params.Get(ParamInstructions); ins != "" {
		req.Instructions = oai.String(ins)
	}

	resp, err := b.client.Audio.Speech.New(ctx, req)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return nil, &tts.BackendError{Backend: ID, Op: "generate", StatusCode: apiErr.StatusCode, Err: err}
		}
		return nil, tts.Wrap(ID, "generate", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tts.Wrap(ID, "generate", fmt.Errorf("read audio: %w", err))
	}
	if len(audio) == 0 {
		return nil, tts.Errorf(ID, "generate", "empty audio response")
	}
	return audio, nil
}
