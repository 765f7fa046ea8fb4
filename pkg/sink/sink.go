// Package sink defines the persistence contract the orchestrator hands
// generated audio to.
//
// A Sink receives one Append per generated item, in original item order, and
// a Flush at every configured save interval and once more when a run ends.
// Implementations may buffer between flushes; a Flush error is surfaced as the
// terminal error of the run, so a sink must never drop records silently.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/narrator/pkg/types"
)

// Record is the metadata persisted alongside each audio artifact.
type Record struct {
	// BatchName is the human-readable name of the batch the item belongs to.
	BatchName string `json:"batch"`

	// RunID uniquely identifies one generateBatch run. Re-running a batch after
	// Reset yields a new RunID.
	RunID string `json:"run_id"`

	// Index is the zero-based position of the item inside the batch.
	Index int `json:"index"`

	BackendID string `json:"backend"`
	VoiceID   string `json:"voice"`
	Kind      string `json:"kind"`
	Text      string `json:"text"`

	// Fingerprint is the audio cache key the artifact was stored under.
	Fingerprint string `json:"fingerprint"`

	// CacheHit reports whether the audio came from the artifact cache.
	CacheHit bool `json:"cache_hit"`

	// Bytes is the size of the audio payload.
	Bytes int `json:"bytes"`

	// EstimatedDuration is the backend's duration estimate in seconds.
	EstimatedDuration float64 `json:"estimated_duration"`

	CreatedAt time.Time `json:"created_at"`
}

// ObjectKey returns the canonical storage key for the record's audio:
// "<batch>/<run>/<index>.<ext>".
func (r Record) ObjectKey(ext string) string {
	batch := r.BatchName
	if batch == "" {
		batch = "default"
	}
	return fmt.Sprintf("%s/%s/%05d.%s", batch, r.RunID, r.Index, ext)
}

// Sink is the persistence collaborator of a batch run.
//
// Implementations must be safe for use by a single run at a time; the
// orchestrator never calls Append or Flush concurrently on the same Sink.
type Sink interface {
	// Append hands one generated artifact to the sink. It may buffer.
	Append(ctx context.Context, item types.SpeakableItem, audio []byte, rec Record) error

	// Flush makes everything appended so far durable.
	Flush(ctx context.Context) error
}

// Nop is a Sink that discards everything.
type Nop struct{}

// Append implements Sink.
func (Nop) Append(context.Context, types.SpeakableItem, []byte, Record) error { return nil }

// Flush implements Sink.
func (Nop) Flush(context.Context) error { return nil }

// Ext sniffs the container format of audio from its magic bytes and returns a
// file extension without the dot. Unknown payloads map to "bin".
func Ext(audio []byte) string {
	switch {
	case len(audio) >= 12 && bytes.Equal(audio[:4], []byte("RIFF")) && bytes.Equal(audio[8:12], []byte("WAVE")):
		return "wav"
	case bytes.HasPrefix(audio, []byte("OggS")):
		return "ogg"
	case bytes.HasPrefix(audio, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(audio, []byte("ID3")):
		return "mp3"
	case len(audio) >= 2 && audio[0] == 0xFF && audio[1]&0xE0 == 0xE0:
		return "mp3"
	default:
		return "bin"
	}
}
