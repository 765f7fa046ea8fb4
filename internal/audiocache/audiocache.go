// Package audiocache implements a size-bounded, in-memory cache of generated
// audio keyed by request fingerprint.
//
// The cache enforces a total byte budget. When a Put would exceed the budget,
// entries are evicted in least-recently-used order until the new artifact
// fits. An artifact larger than the whole budget is rejected with
// [ErrTooLarge] and the cache is left untouched. A single mutex guards both
// the entry map and the byte accounting so concurrent inserts and evictions
// can never double-count.
//
// Artifacts are copied on the way in and on the way out; callers can never
// mutate cached bytes.
package audiocache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// DefaultMaxBytes is the default total byte budget (500 MB).
const DefaultMaxBytes int64 = 500_000_000

var (
	// ErrTooLarge is returned by Put when the artifact alone exceeds the byte
	// budget.
	ErrTooLarge = errors.New("audiocache: artifact larger than cache budget")

	// ErrEmpty is returned by Put for zero-length audio.
	ErrEmpty = errors.New("audiocache: empty artifact")
)

// Artifact is a cached piece of audio together with its bookkeeping.
type Artifact struct {
	Fingerprint string
	Audio       []byte
	InsertedAt  time.Time
	LastAccess  time.Time
}

// Size returns the artifact size in bytes.
func (a Artifact) Size() int64 { return int64(len(a.Audio)) }

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries   int
	Bytes     int64
	MaxBytes  int64
	Hits      int64
	Misses    int64
	Evictions int64
	Rejected  int64
}

// HitRate returns Hits / (Hits + Misses), or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics records lookups, evictions, and byte usage on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger used for eviction and rejection messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// Cache is an LRU cache with a byte budget. The zero value is not usable; use
// [New].
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	used     int64
	items    map[string]*list.Element
	lru      *list.List // front = most recently used

	hits, misses, evictions, rejected int64

	now     func() time.Time
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a cache holding at most maxBytes bytes of audio. A
// non-positive maxBytes selects [DefaultMaxBytes].
func New(maxBytes int64, opts ...Option) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	c := &Cache{
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NormalizeText collapses every run of whitespace to a single space and trims
// the ends, so texts that only differ in layout share a fingerprint.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint derives the cache key for a synthesis request. It is a hex
// SHA-256 over the backend ID, voice ID, normalised text, and canonical
// parameter string.
func Fingerprint(backendID, voiceID, text string, params tts.Params) string {
	h := sha256.New()
	for _, part := range []string{backendID, voiceID, NormalizeText(text), params.Canonical()} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a copy of the artifact stored under fingerprint and marks it as
// most recently used.
func (c *Cache) Get(fingerprint string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fingerprint]
	if !ok {
		c.misses++
		c.metrics.RecordCacheLookup(context.Background(), false)
		return Artifact{}, false
	}
	a := elem.Value.(*Artifact)
	a.LastAccess = c.now()
	c.lru.MoveToFront(elem)
	c.hits++
	c.metrics.RecordCacheLookup(context.Background(), true)

	out := *a
	out.Audio = append([]byte(nil), a.Audio...)
	return out, true
}

// Peek returns a copy of the artifact stored under fingerprint without
// touching its recency or the hit and miss counters.
func (c *Cache) Peek(fingerprint string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[fingerprint]
	if !ok {
		return Artifact{}, false
	}
	out := *elem.Value.(*Artifact)
	out.Audio = append([]byte(nil), out.Audio...)
	return out, true
}

// Contains reports whether fingerprint is cached without touching its
// recency.
func (c *Cache) Contains(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[fingerprint]
	return ok
}

// Put stores a copy of audio under fingerprint, evicting least-recently-used
// entries as needed. Replacing an existing entry adjusts the accounting by
// the size difference.
func (c *Cache) Put(fingerprint string, audio []byte) error {
	if len(audio) == 0 {
		return ErrEmpty
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	return c.insertLocked(&Artifact{
		Fingerprint: fingerprint,
		Audio:       append([]byte(nil), audio...),
		InsertedAt:  now,
		LastAccess:  now,
	})
}

// insertLocked adds a (already copied) artifact at the front of the LRU list.
func (c *Cache) insertLocked(a *Artifact) error {
	size := a.Size()
	if size > c.maxBytes {
		c.rejected++
		c.log.Debug("audiocache: artifact rejected",
			"fingerprint", a.Fingerprint,
			"size", humanize.Bytes(uint64(size)),
			"budget", humanize.Bytes(uint64(c.maxBytes)),
		)
		return ErrTooLarge
	}

	var delta int64
	if elem, ok := c.items[a.Fingerprint]; ok {
		old := elem.Value.(*Artifact)
		delta -= old.Size()
		c.used -= old.Size()
		c.lru.Remove(elem)
		delete(c.items, a.Fingerprint)
	}

	evicted := c.evictLocked(c.maxBytes - size)
	c.items[a.Fingerprint] = c.lru.PushFront(a)
	c.used += size
	delta += size

	c.metrics.RecordCacheBytes(context.Background(), delta-evicted)
	return nil
}

// evictLocked removes least-recently-used entries until at most limit bytes
// are in use. It returns the number of bytes freed.
func (c *Cache) evictLocked(limit int64) int64 {
	var freed int64
	n := 0
	for c.used > limit {
		back := c.lru.Back()
		if back == nil {
			break
		}
		a := back.Value.(*Artifact)
		c.lru.Remove(back)
		delete(c.items, a.Fingerprint)
		c.used -= a.Size()
		freed += a.Size()
		n++
	}
	if n > 0 {
		c.evictions += int64(n)
		c.metrics.RecordCacheEviction(context.Background(), n)
		c.log.Debug("audiocache: evicted entries",
			"count", n,
			"freed", humanize.Bytes(uint64(freed)),
			"in_use", humanize.Bytes(uint64(c.used)),
		)
	}
	return freed
}

// EvictIfNeeded evicts least-recently-used entries until usage is within the
// budget. It returns the number of entries evicted.
func (c *Cache) EvictIfNeeded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.lru.Len()
	freed := c.evictLocked(c.maxBytes)
	c.metrics.RecordCacheBytes(context.Background(), -freed)
	return before - c.lru.Len()
}

// SetMaxBytes changes the byte budget. Shrinking below current usage evicts
// immediately. Non-positive values select [DefaultMaxBytes].
func (c *Cache) SetMaxBytes(maxBytes int64) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBytes = maxBytes
	freed := c.evictLocked(c.maxBytes)
	c.metrics.RecordCacheBytes(context.Background(), -freed)
}

// MaxBytes returns the current byte budget.
func (c *Cache) MaxBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBytes
}

// Delete removes the artifact stored under fingerprint, if any.
func (c *Cache) Delete(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[fingerprint]
	if !ok {
		return
	}
	a := elem.Value.(*Artifact)
	c.lru.Remove(elem)
	delete(c.items, fingerprint)
	c.used -= a.Size()
	c.metrics.RecordCacheBytes(context.Background(), -a.Size())
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.RecordCacheBytes(context.Background(), -c.used)
	c.items = make(map[string]*list.Element)
	c.lru.Init()
	c.used = 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.lru.Len(),
		Bytes:     c.used,
		MaxBytes:  c.maxBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Rejected:  c.rejected,
	}
}
