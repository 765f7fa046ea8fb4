// Package fs implements a [sink.Sink] that writes audio files to a local
// directory.
//
// Each record becomes one file at <root>/<batch>/<run>/<index>.<ext>. Flush
// writes the buffered files, appends one JSON line per record to
// <root>/manifest.jsonl and fsyncs both.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

// ManifestName is the name of the manifest file inside the root directory.
const ManifestName = "manifest.jsonl"

// ManifestEntry is one line of the manifest.
type ManifestEntry struct {
	sink.Record
	Path string `json:"path"`
}

type pending struct {
	audio []byte
	rec   sink.Record
}

// Sink writes artifacts below a root directory.
type Sink struct {
	root string

	mu      sync.Mutex
	pending []pending
}

var _ sink.Sink = (*Sink)(nil)

// New creates the root directory if needed and returns a Sink writing into it.
func New(root string) (*Sink, error) {
	if root == "" {
		return nil, errors.New("fs sink: root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs sink: create root: %w", err)
	}
	return &Sink{root: root}, nil
}

// Root returns the directory the sink writes to.
func (s *Sink) Root() string { return s.root }

// Append buffers the artifact until the next Flush.
func (s *Sink) Append(_ context.Context, _ types.SpeakableItem, audio []byte, rec sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pending{audio: audio, rec: rec})
	return nil
}

// Flush writes every buffered artifact and its manifest line. Records that
// were written before a failure are removed from the buffer; the rest stay
// pending for the next Flush.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}

	manifest, err := os.OpenFile(filepath.Join(s.root, ManifestName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fs sink: open manifest: %w", err)
	}
	enc := json.NewEncoder(manifest)

	written := 0
	var flushErr error
	for _, p := range s.pending {
		if err := ctx.Err(); err != nil {
			flushErr = err
			break
		}
		rel := p.rec.ObjectKey(sink.Ext(p.audio))
		if err := writeFileSync(filepath.Join(s.root, filepath.FromSlash(rel)), p.audio); err != nil {
			flushErr = fmt.Errorf("fs sink: write %s: %w", rel, err)
			break
		}
		if err := enc.Encode(ManifestEntry{Record: p.rec, Path: rel}); err != nil {
			flushErr = fmt.Errorf("fs sink: append manifest: %w", err)
			break
		}
		written++
	}
	s.pending = s.pending[written:]

	if err := manifest.Sync(); err != nil {
		flushErr = errors.Join(flushErr, fmt.Errorf("fs sink: sync manifest: %w", err))
	}
	if err := manifest.Close(); err != nil {
		flushErr = errors.Join(flushErr, fmt.Errorf("fs sink: close manifest: %w", err))
	}
	return flushErr
}

// Writable reports whether the root directory accepts new files. It is used
// as a readiness check.
func (s *Sink) Writable(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("fs sink: root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func writeFileSync(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
