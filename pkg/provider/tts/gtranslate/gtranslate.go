// Package gtranslate provides a keyless synthesis backend on top of the
// Google Translate speech endpoint. Voices are languages; long texts are
// split into 200-rune chunks whose MP3 responses are concatenated.
package gtranslate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hegedustibor/htgo-tts/voices"

	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

// ID is the backend identifier used in voice records and errors.
const ID = "gtranslate"

const (
	defaultEndpoint = "https://translate.google.com/translate_tts"
	chunkSize       = 200
)

var languages = []types.Voice{
	{ID: voices.English, Name: "English (US)", Language: "en-US"},
	{ID: voices.EnglishUK, Name: "English (UK)", Language: "en-GB"},
	{ID: voices.Spanish, Name: "Spanish", Language: "es"},
	{ID: voices.Portuguese, Name: "Portuguese", Language: "pt"},
	{ID: voices.French, Name: "French", Language: "fr"},
	{ID: voices.German, Name: "German", Language: "de"},
}

// Option is a functional option for Backend.
type Option func(*Backend)

// WithEndpoint overrides the translate_tts URL.
func WithEndpoint(u string) Option {
	return func(b *Backend) {
		if u != "" {
			b.endpoint = u
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.httpCli = c
		}
	}
}

// Backend implements tts.Backend.
type Backend struct {
	endpoint string
	httpCli  *http.Client
}

// New returns a Backend with a 15 second request timeout.
func New(opts ...Option) *Backend {
	b := &Backend{
		endpoint: defaultEndpoint,
		httpCli:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsConfigured always reports true: the endpoint needs no credentials.
func (b *Backend) IsConfigured() bool { return true }

// EstimateDuration implements tts.Backend.
func (b *Backend) EstimateDuration(text, _ string) float64 {
	return tts.EstimateDuration(text, tts.DefaultWordsPerSecond)
}

// ListVoices returns the supported languages as voices.
func (b *Backend) ListVoices(_ context.Context) ([]types.Voice, error) {
	out := make([]types.Voice, len(languages))
	for i, v := range languages {
		v.Backend = ID
		out[i] = v
	}
	return out, nil
}

// Generate fetches text chunk by chunk and concatenates the MP3 frames.
func (b *Backend) Generate(ctx context.Context, text, voiceID string, _ tts.Params) ([]byte, error) {
	if err := tts.ValidateRequest(text, voiceID); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, chunk := range splitChunks(strings.TrimSpace(text), chunkSize) {
		audio, err := b.fetchChunk(ctx, chunk, voiceID)
		if err != nil {
			return nil, err
		}
		buf.Write(audio)
	}
	return buf.Bytes(), nil
}

func (b *Backend) fetchChunk(ctx context.Context, text, voice string) ([]byte, error) {
	params := url.Values{}
	params.Set("ie", "UTF-8")
	params.Set("client", "tw-ob")
	params.Set("q", text)
	params.Set("tl", voice)
	params.Set("total", "1")
	params.Set("idx", "0")
	params.Set("textlen", strconv.Itoa(len([]rune(text))))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, tts.Wrap(ID, "generate", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := b.httpCli.Do(req)
	if err != nil {
		return nil, tts.Wrap(ID, "generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &tts.BackendError{
			Backend:    ID,
			Op:         "generate",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("translate_tts: %s", strings.TrimSpace(string(body))),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tts.Wrap(ID, "generate", err)
	}
	return audio, nil
}

// splitChunks cuts text into pieces of at most size runes, preferring to cut
// after the last space inside the window.
func splitChunks(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for len(runes) > 0 {
		if len(runes) <= size {
			out = append(out, string(runes))
			break
		}
		cut := size
		for i := size; i > size/2; i-- {
			if runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		if piece := strings.TrimSpace(string(runes[:cut])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[cut:]
	}
	return out
}
