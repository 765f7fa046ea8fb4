// Package elevenlabs provides an ElevenLabs-backed synthesis backend. Voices
// are listed over the REST API; audio is generated over the stream-input
// WebSocket API and collected until the server marks the stream final.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

// ID is the backend identifier used in voice records and errors.
const ID = "elevenlabs"

const (
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"

	// ElevenLabs voices speak a little faster than the neutral default.
	wordsPerSecond = 2.8
)

// Option is a functional option for configuring the ElevenLabs Backend.
type Option func(*Backend)

// WithModel sets the default ElevenLabs model ID (e.g., "eleven_flash_v2_5").
// A "model" request parameter overrides it per call.
func WithModel(model string) Option {
	return func(b *Backend) {
		if model != "" {
			b.model = model
		}
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(b *Backend) {
		if format != "" {
			b.outputFormat = format
		}
	}
}

// WithBaseURL points the backend at a different API host. The WebSocket host
// is derived from it (http → ws, https → wss).
func WithBaseURL(base string) Option {
	return func(b *Backend) {
		base = strings.TrimRight(base, "/")
		if base == "" {
			return
		}
		b.apiBase = base
		switch {
		case strings.HasPrefix(base, "https://"):
			b.wsBase = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			b.wsBase = "ws://" + strings.TrimPrefix(base, "http://")
		}
	}
}

// WithHTTPClient replaces the HTTP client used for REST calls and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.httpClient = c
		}
	}
}

// WithConcurrency allows up to n parallel Generate calls. The right value
// depends on the account tier.
func WithConcurrency(n int) Option {
	return func(b *Backend) {
		b.concurrency = n
	}
}

// Backend implements tts.Backend backed by the ElevenLabs API.
type Backend struct {
	apiKey       string
	model        string
	outputFormat string
	apiBase      string
	wsBase       string
	concurrency  int
	httpClient   *http.Client
}

// New creates a new ElevenLabs Backend. An empty apiKey yields a backend
// that reports IsConfigured() == false and rejects every request.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		apiBase:      defaultAPIBase,
		wsBase:       defaultWSBase,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsConfigured reports whether an API key is present.
func (b *Backend) IsConfigured() bool { return b.apiKey != "" }

// MaxConcurrency implements tts.ConcurrentBackend.
func (b *Backend) MaxConcurrency() int { return b.concurrency }

// EstimateDuration implements tts.Backend.
func (b *Backend) EstimateDuration(text, _ string) float64 {
	return tts.EstimateDuration(text, wordsPerSecond)
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio in the requested format
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Generate opens a stream-input WebSocket, sends text as a single fragment
// followed by the flush command, and returns the concatenated audio once the
// server reports the final chunk.
func (b *Backend) Generate(ctx context.Context, text, voiceID string, params tts.Params) ([]byte, error) {
	if err := tts.ValidateRequest(text, voiceID); err != nil {
		return nil, err
	}
	if !b.IsConfigured() {
		return nil, tts.Errorf(ID, "generate", "no API key")
	}

	model := b.model
	if m := params.Get(tts.ParamModel); m != "" {
		model = m
	}
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if s := params.Get(tts.ParamSpeed); s != "" {
		if _, err := fmt.Sscanf(s, "%g", &vs.Speed); err != nil {
			return nil, fmt.Errorf("%w: speed %q", tts.ErrInvalidInput, s)
		}
	}

	conn, _, err := websocket.Dial(ctx, b.streamURL(voiceID, model), &websocket.DialOptions{HTTPClient: b.httpClient})
	if err != nil {
		return nil, tts.Wrap(ID, "generate", fmt.Errorf("dial: %w", err))
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 << 20)

	// ElevenLabs requires a non-empty first text value.
	if err := writeJSON(ctx, conn, boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: b.apiKey}); err != nil {
		return nil, tts.Wrap(ID, "generate", fmt.Errorf("send BOI: %w", err))
	}
	if err := writeJSON(ctx, conn, textMessage{Text: text + " ", TryTriggerGeneration: true}); err != nil {
		return nil, tts.Wrap(ID, "generate", fmt.Errorf("send text: %w", err))
	}
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return nil, tts.Wrap(ID, "generate", fmt.Errorf("send flush: %w", err))
	}

	var audio bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && audio.Len() > 0 {
				break
			}
			return nil, tts.Wrap(ID, "generate", fmt.Errorf("read: %w", err))
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return nil, tts.Errorf(ID, "generate", "%s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return nil, tts.Wrap(ID, "generate", fmt.Errorf("decode audio: %w", err))
			}
			audio.Write(chunk)
		}
		if resp.IsFinal {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if audio.Len() == 0 {
		return nil, tts.Errorf(ID, "generate", "stream ended without audio")
	}
	return audio.Bytes(), nil
}

func (b *Backend) streamURL(voiceID, model string) string {
	q := url.Values{}
	q.Set("model_id", model)
	q.Set("output_format", b.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", b.wsBase, url.PathEscape(voiceID), q.Encode())
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- ListVoices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (b *Backend) ListVoices(ctx context.Context) ([]types.Voice, error) {
	if !b.IsConfigured() {
		return nil, tts.Errorf(ID, "list voices", "no API key")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, tts.Wrap(ID, "list voices", err)
	}
	req.Header.Set("xi-api-key", b.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, tts.Wrap(ID, "list voices", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &tts.BackendError{
			Backend:    ID,
			Op:         "list voices",
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tts.Wrap(ID, "list voices", err)
	}
	voices, err := parseVoicesResponse(data)
	if err != nil {
		return nil, tts.Wrap(ID, "list voices", fmt.Errorf("decode: %w", err))
	}
	return voices, nil
}

// parseVoicesResponse parses a raw JSON byte slice (matching the ElevenLabs
// /v1/voices response) into voices. Gender and language come from the voice
// labels when present.
func parseVoicesResponse(data []byte) ([]types.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	voices := make([]types.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		voices = append(voices, types.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Language: v.Labels["language"],
			Gender:   v.Labels["gender"],
			Backend:  ID,
		})
	}
	return voices, nil
}

// Ensure Backend implements tts.ConcurrentBackend at compile time.
var _ tts.ConcurrentBackend = (*Backend)(nil)
