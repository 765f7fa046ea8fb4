// Package mock provides an in-memory [sink.Sink] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

// Entry is one recorded Append call.
type Entry struct {
	Item   types.SpeakableItem
	Audio  []byte
	Record sink.Record
}

// Sink records every Append and Flush. Entries appended since the last
// successful Flush are kept in Pending; flushed entries move to Flushed.
type Sink struct {
	mu sync.Mutex

	// AppendErr is returned from every Append when set.
	AppendErr error

	// FlushErr is returned from every Flush when set. Pending entries stay
	// pending.
	FlushErr error

	// FailFlushAfter makes the n-th Flush call (1-based) and every later one
	// fail with FlushErr. Zero means FlushErr applies to all calls.
	FailFlushAfter int

	pending    []Entry
	flushed    []Entry
	flushCalls int
}

var _ sink.Sink = (*Sink)(nil)

// Append implements sink.Sink.
func (s *Sink) Append(_ context.Context, item types.SpeakableItem, audio []byte, rec sink.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.pending = append(s.pending, Entry{Item: item, Audio: append([]byte(nil), audio...), Record: rec})
	return nil
}

// Flush implements sink.Sink.
func (s *Sink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushCalls++
	if s.FlushErr != nil && (s.FailFlushAfter == 0 || s.flushCalls >= s.FailFlushAfter) {
		return s.FlushErr
	}
	s.flushed = append(s.flushed, s.pending...)
	s.pending = nil
	return nil
}

// Flushed returns a copy of all entries made durable by a successful Flush.
func (s *Sink) Flushed() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.flushed...)
}

// Pending returns a copy of the entries appended since the last Flush.
func (s *Sink) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.pending...)
}

// FlushCount returns how many times Flush was called.
func (s *Sink) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushCalls
}
