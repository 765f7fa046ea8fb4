package audiocache

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// snapshotVersion is bumped whenever the on-disk entry layout changes.
const snapshotVersion = 1

type snapshotHeader struct {
	Version int
	Count   int
}

// Save writes every entry to w as a zstd-compressed gob stream, ordered from
// least to most recently used. Entries are captured under the lock; encoding
// happens without it.
func (c *Cache) Save(w io.Writer) error {
	c.mu.Lock()
	entries := make([]Artifact, 0, c.lru.Len())
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		entries = append(entries, *e.Value.(*Artifact))
	}
	c.mu.Unlock()

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("audiocache: create zstd writer: %w", err)
	}
	enc := gob.NewEncoder(zw)
	if err := enc.Encode(snapshotHeader{Version: snapshotVersion, Count: len(entries)}); err != nil {
		_ = zw.Close()
		return fmt.Errorf("audiocache: encode header: %w", err)
	}
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			_ = zw.Close()
			return fmt.Errorf("audiocache: encode entry %d: %w", i, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("audiocache: flush snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot written by [Cache.Save] and inserts its entries,
// preserving their recency order and timestamps. Entries that no longer fit
// the current budget are evicted or rejected as with Put. It returns the
// number of entries read.
func (c *Cache) Load(r io.Reader) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("audiocache: create zstd reader: %w", err)
	}
	defer zr.Close()

	dec := gob.NewDecoder(zr)
	var hdr snapshotHeader
	if err := dec.Decode(&hdr); err != nil {
		return 0, fmt.Errorf("audiocache: decode header: %w", err)
	}
	if hdr.Version != snapshotVersion {
		return 0, fmt.Errorf("audiocache: unsupported snapshot version %d", hdr.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for range hdr.Count {
		a := new(Artifact)
		if err := dec.Decode(a); err != nil {
			return n, fmt.Errorf("audiocache: decode entry %d: %w", n, err)
		}
		n++
		if len(a.Audio) == 0 {
			continue
		}
		if err := c.insertLocked(a); err != nil && !errors.Is(err, ErrTooLarge) {
			return n, err
		}
	}
	return n, nil
}

// SaveFile writes a snapshot to path atomically via a temporary file in the
// same directory.
func (c *Cache) SaveFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("audiocache: create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("audiocache: create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := c.Save(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("audiocache: sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("audiocache: close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("audiocache: replace snapshot: %w", err)
	}
	return nil
}

// LoadFile loads the snapshot at path. A missing file is not an error.
func (c *Cache) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("audiocache: open snapshot: %w", err)
	}
	defer f.Close()
	return c.Load(f)
}
