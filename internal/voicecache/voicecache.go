// Package voicecache caches the voice catalogs of synthesis backends.
//
// Each backend's catalog is fetched at most once per TTL. Concurrent callers
// that miss the cache for the same backend share one in-flight fetch. When a
// refresh fails, the last good catalog is served as long as it is younger
// than the staleness ceiling; only without such a fallback does the caller
// see [ErrBackendUnavailable].
package voicecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/types"
)

const (
	// DefaultTTL is how long a fetched catalog is served without refetching.
	DefaultTTL = 300 * time.Second

	// DefaultStalenessCeiling bounds how old a catalog may be when it is
	// served as a fallback for a failed refresh.
	DefaultStalenessCeiling = 24 * time.Hour

	defaultFetchTimeout = 30 * time.Second
	defaultFuzzyScore   = 0.85
)

var (
	// ErrBackendUnavailable is returned when a backend yields no voices and
	// no usable cached catalog exists.
	ErrBackendUnavailable = errors.New("voicecache: backend unavailable")

	// ErrVoiceNotFound is returned by Lookup when no voice matches.
	ErrVoiceNotFound = errors.New("voicecache: voice not found")
)

// Resolver resolves a backend by identifier. *backend.Registry satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, backendID string) (tts.Backend, error)
}

type entry struct {
	voices    []types.Voice
	fetchedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets a fixed TTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = func() time.Duration { return d } }
}

// WithTTLFunc reads the TTL on every lookup, so runtime setting changes apply
// without rebuilding the cache.
func WithTTLFunc(fn func() time.Duration) Option {
	return func(c *Cache) {
		if fn != nil {
			c.ttl = fn
		}
	}
}

// WithStalenessCeiling sets the maximum age of a fallback catalog.
func WithStalenessCeiling(d time.Duration) Option {
	return func(c *Cache) { c.ceiling = d }
}

// WithFetchTimeout bounds a single shared fetch. The shared fetch is
// detached from the cancellation of whichever caller started it.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) { c.fetchTimeout = d }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics records lookup results on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// Cache is a per-backend voice catalog cache. It is safe for concurrent use.
type Cache struct {
	resolver Resolver

	ttl          func() time.Duration
	ceiling      time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	metrics      *observe.Metrics
	log          *slog.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
}

// New returns a Cache that resolves backends through r.
func New(r Resolver, opts ...Option) *Cache {
	c := &Cache{
		resolver:     r,
		ttl:          func() time.Duration { return DefaultTTL },
		ceiling:      DefaultStalenessCeiling,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		log:          slog.Default(),
		entries:      make(map[string]entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the voice catalog of backendID, fetching it when the cached
// copy is missing or older than the TTL.
func (c *Cache) Get(ctx context.Context, backendID string) ([]types.Voice, error) {
	if voices, ok := c.fresh(backendID); ok {
		c.metrics.RecordVoiceCatalog(ctx, backendID, "fresh")
		return voices, nil
	}

	ch := c.group.DoChan(backendID, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), backendID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]types.Voice)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fresh returns a copy of the cached catalog if it is within the TTL.
func (c *Cache) fresh(backendID string) ([]types.Voice, bool) {
	c.mu.RLock()
	e, ok := c.entries[backendID]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl() {
		return nil, false
	}
	return slices.Clone(e.voices), true
}

// refresh runs inside the single flight for backendID.
func (c *Cache) refresh(ctx context.Context, backendID string) ([]types.Voice, error) {
	// A caller that queued behind a finished flight may find fresh data.
	if voices, ok := c.fresh(backendID); ok {
		return voices, nil
	}

	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	voices, err := c.fetch(ctx, backendID)
	if err == nil && len(voices) > 0 {
		c.mu.Lock()
		c.entries[backendID] = entry{voices: voices, fetchedAt: c.now()}
		c.mu.Unlock()
		c.metrics.RecordVoiceCatalog(ctx, backendID, "fetched")
		return voices, nil
	}

	c.mu.RLock()
	prev, ok := c.entries[backendID]
	c.mu.RUnlock()
	if ok && c.now().Sub(prev.fetchedAt) <= c.ceiling {
		c.log.Warn("voicecache: serving stale catalog",
			"backend", backendID,
			"age", c.now().Sub(prev.fetchedAt).Round(time.Second),
			"err", err,
		)
		c.metrics.RecordVoiceCatalog(ctx, backendID, "stale")
		return prev.voices, nil
	}

	c.metrics.RecordVoiceCatalog(ctx, backendID, "error")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, backendID, err)
	}
	return nil, fmt.Errorf("%w: %s reported no voices", ErrBackendUnavailable, backendID)
}

func (c *Cache) fetch(ctx context.Context, backendID string) ([]types.Voice, error) {
	b, err := c.resolver.Resolve(ctx, backendID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	voices, err := b.ListVoices(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordBackendCall(ctx, backendID, "list_voices", status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	for i := range voices {
		if voices[i].Backend == "" {
			voices[i].Backend = backendID
		}
	}
	return voices, nil
}

// Invalidate drops the cached catalog of backendID.
func (c *Cache) Invalidate(backendID string) {
	c.mu.Lock()
	delete(c.entries, backendID)
	c.mu.Unlock()
}

// InvalidateAll drops every cached catalog.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// FetchedAt reports when the catalog of backendID was last fetched.
func (c *Cache) FetchedAt(backendID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[backendID]
	return e.fetchedAt, ok
}

// Lookup resolves query to a voice of backendID. It tries, in order, an exact
// ID match, a case-insensitive name match, and the best Jaro-Winkler name
// match scoring above 0.85.
func (c *Cache) Lookup(ctx context.Context, backendID, query string) (types.Voice, error) {
	voices, err := c.Get(ctx, backendID)
	if err != nil {
		return types.Voice{}, err
	}
	if v, ok := Match(voices, query); ok {
		return v, nil
	}
	return types.Voice{}, fmt.Errorf("%w: %q on %s", ErrVoiceNotFound, query, backendID)
}

// Match picks the voice in voices that best matches query. See Lookup.
func Match(voices []types.Voice, query string) (types.Voice, bool) {
	q := strings.TrimSpace(query)
	if q == "" {
		return types.Voice{}, false
	}
	for _, v := range voices {
		if v.ID == q {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.EqualFold(v.Name, q) {
			return v, true
		}
	}

	lq := strings.ToLower(q)
	best, bestScore := -1, defaultFuzzyScore
	for i, v := range voices {
		if s := matchr.JaroWinkler(lq, strings.ToLower(v.Name), false); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return types.Voice{}, false
	}
	return voices[best], true
}
