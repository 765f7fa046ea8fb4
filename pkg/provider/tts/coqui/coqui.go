// Package coqui provides a synthesis backend for a locally-running Coqui TTS
// server, either the standard Coqui TTS server or the XTTS v2 API server.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters; the voice catalogue is retrieved from GET /details.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body; the voice catalogue is retrieved
//     from GET /studio_speakers.
//
// Both servers answer with a complete WAV file per request. Generate checks
// that the body is a well-formed RIFF/WAVE container and returns it unchanged;
// no resampling or re-encoding takes place.
//
// Typical usage (XTTS v2 server):
//
//	b := coqui.New("http://localhost:8002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithAPIMode(coqui.APIModeXTTS),
//	)
//	wav, err := b.Generate(ctx, "Hello there.", "Claribel Dervla", nil)
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

// Compile-time interface assertion.
var _ tts.ConcurrentBackend = (*Backend)(nil)

// ID is the backend identifier used in voice records and errors.
const ID = "coqui"

// ---- constants ----

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// ParamLanguage overrides the configured language for one request.
	ParamLanguage = "language"

	// SingleSpeakerVoice is the voice ID reported for single-speaker models.
	// Requests with it carry no speaker_id.
	SingleSpeakerVoice = "default"

	// XTTS speaks noticeably slower than cloud voices.
	wordsPerSecond = 2.3
)

// ---- APIMode ----

// APIMode selects which Coqui server API the backend will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// ---- options ----

// Option is a functional option for configuring a Coqui Backend.
type Option func(*Backend)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de", "fr"). Defaults to "en" if not set.
func WithLanguage(lang string) Option {
	return func(b *Backend) {
		if lang != "" {
			b.language = lang
		}
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.httpClient.Timeout = d
		}
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(b *Backend) {
		if mode != "" {
			b.apiMode = mode
		}
	}
}

// WithConcurrency allows up to n parallel synthesis requests. A GPU-backed
// server usually handles 2-4; CPU servers should stay sequential.
func WithConcurrency(n int) Option {
	return func(b *Backend) {
		b.concurrency = n
	}
}

// ---- Backend ----

// Backend implements tts.Backend backed by a Coqui TTS server.
// It is safe for concurrent use.
type Backend struct {
	serverURL   string
	language    string
	apiMode     APIMode
	concurrency int
	httpClient  *http.Client
}

// New creates a new Coqui Backend that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). An empty serverURL yields a backend that
// reports IsConfigured() == false.
func New(serverURL string, opts ...Option) *Backend {
	b := &Backend{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsConfigured reports whether a server URL is set.
func (b *Backend) IsConfigured() bool { return b.serverURL != "" }

// MaxConcurrency implements tts.ConcurrentBackend.
func (b *Backend) MaxConcurrency() int { return b.concurrency }

// EstimateDuration implements tts.Backend.
func (b *Backend) EstimateDuration(text, _ string) float64 {
	return tts.EstimateDuration(text, wordsPerSecond)
}

// ---- internal request/response types ----

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// studioSpeakersResponse represents the raw map[name]any returned by GET /studio_speakers.
// Only the keys (voice names) matter, so the values are left as json.RawMessage.
type studioSpeakersResponse map[string]json.RawMessage

// detailsResponse is the JSON body returned by GET /details (standard mode).
// Speakers is nil for single-speaker models and non-nil for multi-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ---- Generate ----

// Generate performs one synthesis request and returns the WAV file produced
// by the server.
func (b *Backend) Generate(ctx context.Context, text, voiceID string, params tts.Params) ([]byte, error) {
	if err := tts.ValidateRequest(text, voiceID); err != nil {
		return nil, err
	}
	if !b.IsConfigured() {
		return nil, tts.Errorf(ID, "generate", "no server URL")
	}

	lang := b.language
	if l := params.Get(ParamLanguage); l != "" {
		lang = l
	}

	var (
		wav []byte
		err error
	)
	if b.apiMode == APIModeXTTS {
		wav, err = b.generateXTTS(ctx, text, voiceID, lang)
	} else {
		wav, err = b.generateStandard(ctx, text, voiceID, lang)
	}
	if err != nil {
		return nil, err
	}
	if _, err := parseWAV(wav); err != nil {
		return nil, tts.Wrap(ID, "generate", err)
	}
	return wav, nil
}

// generateXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode).
func (b *Backend) generateXTTS(ctx context.Context, text, voiceID, lang string) ([]byte, error) {
	data, err := json.Marshal(ttsRequest{Text: text, SpeakerWav: voiceID, Language: lang})
	if err != nil {
		return nil, tts.Wrap(ID, "generate", fmt.Errorf("marshal tts request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, tts.Wrap(ID, "generate", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	return b.do(req, "generate")
}

// generateStandard performs a single GET /api/tts request (standard server
// mode) using URL query parameters.
func (b *Backend) generateStandard(ctx context.Context, text, voiceID, lang string) ([]byte, error) {
	q := url.Values{}
	q.Set("text", text)
	if voiceID != SingleSpeakerVoice {
		q.Set("speaker_id", voiceID)
	}
	if lang != "" {
		q.Set("language_id", lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverURL+apiTTSEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, tts.Wrap(ID, "generate", err)
	}
	req.Header.Set("Accept", "audio/wav")
	return b.do(req, "generate")
}

// do executes req and returns the response body, mapping non-200 statuses to
// *tts.BackendError.
func (b *Backend) do(req *http.Request, op string) ([]byte, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, tts.Wrap(ID, op, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &tts.BackendError{
			Backend:    ID,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, strings.TrimSpace(string(body))),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tts.Wrap(ID, op, fmt.Errorf("read response: %w", err))
	}
	return data, nil
}

// ---- ListVoices ----

// ListVoices returns the voices the server can speak with.
//
// In APIModeXTTS, it calls GET /studio_speakers and returns one voice per
// studio speaker. In APIModeStandard, it calls GET /details and returns one
// voice per speaker for multi-speaker models, or a single [SingleSpeakerVoice]
// named after the model for single-speaker models.
func (b *Backend) ListVoices(ctx context.Context) ([]types.Voice, error) {
	if !b.IsConfigured() {
		return nil, tts.Errorf(ID, "list voices", "no server URL")
	}
	if b.apiMode == APIModeXTTS {
		return b.listVoicesXTTS(ctx)
	}
	return b.listVoicesStandard(ctx)
}

func (b *Backend) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.serverURL+endpoint, nil)
	if err != nil {
		return tts.Wrap(ID, "list voices", err)
	}
	req.Header.Set("Accept", "application/json")

	data, err := b.do(req, "list voices")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return tts.Wrap(ID, "list voices", fmt.Errorf("decode %s: %w", endpoint, err))
	}
	return nil
}

func (b *Backend) listVoicesXTTS(ctx context.Context) ([]types.Voice, error) {
	var raw studioSpeakersResponse
	if err := b.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}

	// Sort keys for deterministic output.
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	slices.Sort(names)

	voices := make([]types.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, types.Voice{ID: name, Name: name, Language: b.language, Backend: ID})
	}
	return voices, nil
}

func (b *Backend) listVoicesStandard(ctx context.Context) ([]types.Voice, error) {
	var details detailsResponse
	if err := b.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	lang := details.Language
	if lang == "" {
		lang = b.language
	}

	if len(details.Speakers) > 0 {
		speakers := slices.Clone(details.Speakers)
		slices.Sort(speakers)

		voices := make([]types.Voice, 0, len(speakers))
		for _, spk := range speakers {
			voices = append(voices, types.Voice{ID: spk, Name: spk, Language: lang, Backend: ID})
		}
		return voices, nil
	}

	name := details.ModelName
	if name == "" {
		name = SingleSpeakerVoice
	}
	return []types.Voice{{ID: SingleSpeakerVoice, Name: name, Language: lang, Backend: ID}}, nil
}

// ---- WAV validation ----

// wavInfo holds the metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset where PCM data begins
	SampleRate int // e.g. 22050, 24000
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. The fmt chunk size varies
// between servers, so the chunks are walked rather than assuming a 44-byte
// header.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
