package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal but valid RIFF/WAVE byte slice containing the
// supplied raw PCM samples. It writes a standard 44-byte header (RIFF + fmt + data)
// so that parseWAV can correctly locate the audio payload.
func buildTestWAV(pcm []byte) []byte {
	// PCM WAV layout:
	//   RIFF chunk descriptor  (12 bytes)
	//   fmt  sub-chunk         (24 bytes: 8 header + 16 data)
	//   data sub-chunk         ( 8 bytes: 8 header + len(pcm) data)
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize) // WAVE + fmt chunk + data chunk

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	// RIFF chunk.
	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	// fmt sub-chunk.
	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1)     // PCM format
	putU16(1)     // 1 channel (mono)
	putU32(16000) // sample rate
	putU32(32000) // byte rate = SampleRate * NumChannels * BitsPerSample/8
	putU16(2)     // block align
	putU16(16)    // bits per sample

	// data sub-chunk.
	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)

	return buf
}

func TestNew(t *testing.T) {
	t.Parallel()

	b := New("http://localhost:5002/")
	if !b.IsConfigured() {
		t.Error("backend with URL should be configured")
	}
	if b.serverURL != "http://localhost:5002" {
		t.Errorf("trailing slash not trimmed: %q", b.serverURL)
	}
	if b.apiMode != APIModeStandard {
		t.Errorf("default mode = %q, want standard", b.apiMode)
	}
	if b.language != defaultLanguage {
		t.Errorf("default language = %q", b.language)
	}
	if b.httpClient.Timeout != defaultTimeout {
		t.Errorf("default timeout = %v", b.httpClient.Timeout)
	}

	b = New("http://x", WithAPIMode(APIModeXTTS), WithLanguage("de"), WithTimeout(5*time.Second), WithConcurrency(3))
	if b.apiMode != APIModeXTTS || b.language != "de" || b.httpClient.Timeout != 5*time.Second {
		t.Errorf("options not applied: %+v", b)
	}
	if got := tts.Concurrency(b); got != 3 {
		t.Errorf("Concurrency = %d, want 3", got)
	}

	if New("").IsConfigured() {
		t.Error("backend without URL should not be configured")
	}
}

func TestGenerate_XTTS(t *testing.T) {
	t.Parallel()

	wav := buildTestWAV([]byte{1, 2, 3, 4})
	var got ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	b := New(srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("en"))
	audio, err := b.Generate(context.Background(), "Hello there.", "Claribel Dervla", tts.Params{ParamLanguage: "fr"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(audio) != string(wav) {
		t.Error("Generate must return the WAV body unchanged")
	}
	if got.Text != "Hello there." || got.SpeakerWav != "Claribel Dervla" || got.Language != "fr" {
		t.Errorf("unexpected request body %+v", got)
	}
}

func TestGenerate_Standard(t *testing.T) {
	t.Parallel()

	wav := buildTestWAV([]byte{9, 9})
	var lastQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		lastQuery.Store(r.URL.Query())
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	b := New(srv.URL)
	if _, err := b.Generate(context.Background(), "Hi.", "p225", nil); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	q := lastQuery.Load().(url.Values)
	if q["speaker_id"][0] != "p225" || q["text"][0] != "Hi." || q["language_id"][0] != "en" {
		t.Errorf("unexpected query %v", q)
	}

	if _, err := b.Generate(context.Background(), "Hi.", SingleSpeakerVoice, nil); err != nil {
		t.Fatalf("Generate single speaker: %v", err)
	}
	q = lastQuery.Load().(url.Values)
	if _, ok := q["speaker_id"]; ok {
		t.Errorf("single-speaker request should not carry speaker_id: %v", q)
	}
}

func TestGenerate_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("speaker_id") == "broken" {
			_, _ = w.Write([]byte("not a wav"))
			return
		}
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New(srv.URL)

	var be *tts.BackendError
	_, err := b.Generate(context.Background(), "Hi.", "p225", nil)
	if !errors.As(err, &be) || be.StatusCode != http.StatusInternalServerError {
		t.Fatalf("want 500 BackendError, got %v", err)
	}

	_, err = b.Generate(context.Background(), "Hi.", "broken", nil)
	if !errors.As(err, &be) {
		t.Fatalf("malformed WAV: want BackendError, got %v", err)
	}

	if _, err := b.Generate(context.Background(), "  ", "p225", nil); !errors.Is(err, tts.ErrInvalidInput) {
		t.Errorf("blank text: want ErrInvalidInput, got %v", err)
	}
	if _, err := New("").Generate(context.Background(), "Hi.", "p225", nil); !errors.As(err, &be) {
		t.Errorf("unconfigured: want BackendError, got %v", err)
	}
}

func TestListVoices_XTTS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Zofija Kendrick":{"speaker_embedding":[]},"Ana Florence":{}}`))
	}))
	defer srv.Close()

	voices, err := New(srv.URL, WithAPIMode(APIModeXTTS)).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "Ana Florence" || voices[1].ID != "Zofija Kendrick" {
		t.Fatalf("voices not sorted: %+v", voices)
	}
	if voices[0].Backend != ID || voices[0].Language != defaultLanguage {
		t.Errorf("unexpected voice %+v", voices[0])
	}
}

func TestListVoices_Standard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantIDs []string
		wantLbl string
	}{
		{
			name:    "multi speaker",
			body:    `{"model_name":"vctk/vits","language":"en","speakers":["p226","p225"]}`,
			wantIDs: []string{"p225", "p226"},
			wantLbl: "p225",
		},
		{
			name:    "single speaker",
			body:    `{"model_name":"ljspeech/tacotron2-DDC"}`,
			wantIDs: []string{SingleSpeakerVoice},
			wantLbl: "ljspeech/tacotron2-DDC",
		},
		{
			name:    "single speaker without name",
			body:    `{}`,
			wantIDs: []string{SingleSpeakerVoice},
			wantLbl: SingleSpeakerVoice,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			voices, err := New(srv.URL).ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tc.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tc.wantIDs))
			}
			for i, id := range tc.wantIDs {
				if voices[i].ID != id {
					t.Errorf("voices[%d].ID = %q, want %q", i, voices[i].ID, id)
				}
			}
			if voices[0].Name != tc.wantLbl {
				t.Errorf("voices[0].Name = %q, want %q", voices[0].Name, tc.wantLbl)
			}
		})
	}
}

func TestListVoices_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListVoices(context.Background())
	var be *tts.BackendError
	if !errors.As(err, &be) || be.StatusCode != http.StatusBadGateway {
		t.Fatalf("want 502 BackendError, got %v", err)
	}
}

func TestListVoices_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(srv.URL).ListVoices(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	t.Run("valid WAV", func(t *testing.T) {
		pcm := []byte{0x01, 0x02, 0x03, 0x04}
		wav := buildTestWAV(pcm)
		info, err := parseWAV(wav)
		if err != nil {
			t.Fatalf("parseWAV: %v", err)
		}
		if info.DataOffset != len(wav)-len(pcm) {
			t.Errorf("offset = %d, want %d", info.DataOffset, len(wav)-len(pcm))
		}
		if info.SampleRate != 16000 || info.Channels != 1 {
			t.Errorf("format = %d Hz / %d ch, want 16000 / 1", info.SampleRate, info.Channels)
		}
	})

	t.Run("too short", func(t *testing.T) {
		if _, err := parseWAV([]byte{0x01, 0x02}); err == nil {
			t.Fatal("expected error for short input")
		}
	})

	t.Run("not RIFF", func(t *testing.T) {
		buf := make([]byte, 44)
		copy(buf, "XXXX")
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error for non-RIFF header")
		}
	})

	t.Run("not WAVE", func(t *testing.T) {
		buf := make([]byte, 44)
		copy(buf, "RIFF")
		copy(buf[8:], "XXXX")
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error for non-WAVE identifier")
		}
	})

	t.Run("no data chunk", func(t *testing.T) {
		var buf []byte
		buf = append(buf, []byte("RIFF")...)
		buf = append(buf, 0, 0, 0, 0)
		buf = append(buf, []byte("WAVE")...)
		buf = append(buf, []byte("fmt ")...)
		buf = append(buf, 4, 0, 0, 0)
		buf = append(buf, 0, 0, 0, 0)
		if _, err := parseWAV(buf); err == nil {
			t.Fatal("expected error when data chunk is absent")
		}
	})
}
