package fs_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/sink/fs"
	"github.com/MrWong99/narrator/pkg/types"
)

func readManifest(t *testing.T, root string) []fs.ManifestEntry {
	t.Helper()
	f, err := os.Open(filepath.Join(root, fs.ManifestName))
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	defer f.Close()

	var out []fs.ManifestEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e fs.ManifestEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode manifest line: %v", err)
		}
		out = append(out, e)
	}
	return out
}

func TestSink_AppendFlush(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := fs.New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	item := types.Message{Ref: types.Ref{Voice: "v"}, Text: "hi"}
	wav := []byte("RIFF\x00\x00\x00\x00WAVEdata")
	if err := s.Append(ctx, item, wav, sink.Record{BatchName: "b", RunID: "r1", Index: 0, Text: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, item, []byte("ID3mp3"), sink.Record{BatchName: "b", RunID: "r1", Index: 1, Text: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Nothing is on disk before Flush.
	if _, err := os.Stat(filepath.Join(root, fs.ManifestName)); !os.IsNotExist(err) {
		t.Fatalf("manifest exists before Flush: %v", err)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "b", "r1", "00000.wav"))
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if !bytes.Equal(got, wav) {
		t.Errorf("audio = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "b", "r1", "00001.mp3")); err != nil {
		t.Errorf("second file missing: %v", err)
	}

	entries := readManifest(t, root)
	if len(entries) != 2 {
		t.Fatalf("manifest has %d entries, want 2", len(entries))
	}
	if entries[0].Index != 0 || entries[1].Index != 1 || entries[1].Path != "b/r1/00001.mp3" {
		t.Errorf("unexpected manifest %+v", entries)
	}

	// A second flush with nothing pending is a no-op.
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if n := len(readManifest(t, root)); n != 2 {
		t.Errorf("manifest grew to %d entries", n)
	}
}

func TestSink_Writable(t *testing.T) {
	t.Parallel()

	s, err := fs.New(filepath.Join(t.TempDir(), "nested", "out"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Writable(context.Background()); err != nil {
		t.Errorf("Writable: %v", err)
	}
}

func TestNew_EmptyRoot(t *testing.T) {
	t.Parallel()

	if _, err := fs.New(""); err == nil {
		t.Error("expected error for empty root")
	}
}
