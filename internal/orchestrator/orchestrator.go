// Package orchestrator drives speakable items through synthesis backends.
//
// GenerateOne turns one item into audio. GenerateBatch walks a [batch.State]
// item by item, consulting the audio cache before every backend call,
// handing each result to the persistence sink in item order, and advancing
// the batch progress after every persisted item.
//
// Batches are processed sequentially. A backend that implements
// [tts.ConcurrentBackend] is driven in windows of MaxConcurrency items; the
// window is generated in parallel but persisted and counted strictly in item
// order once it completes. Cancellation is observed between items (between
// windows when fanning out). The first failing item ends the run; items
// processed before it stay cached and persisted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/narrator/internal/audiocache"
	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/internal/observe"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/sink"
	"github.com/MrWong99/narrator/pkg/types"
)

// ErrCancelled is returned by GenerateBatch when the run ended on a
// cancellation request. The results produced before it are still returned.
var ErrCancelled = errors.New("orchestrator: batch cancelled")

// Resolver resolves backends by identifier. *backend.Registry satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, backendID string) (tts.Backend, error)
}

// VoiceLister returns a backend's voice catalog. *voicecache.Cache
// satisfies it.
type VoiceLister interface {
	Get(ctx context.Context, backendID string) ([]types.Voice, error)
}

// Result is one generated item.
type Result struct {
	Index       int
	Item        types.SpeakableItem
	BackendID   string
	Audio       []byte
	Fingerprint string
	CacheHit    bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSink sets the persistence sink for batch runs. Default: [sink.Nop].
func WithSink(s sink.Sink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sink = s
		}
	}
}

// WithParams sets the function that supplies synthesis parameters (such as
// the selected model) per backend.
func WithParams(fn func(backendID string) tts.Params) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.params = fn
		}
	}
}

// WithMetrics records backend calls and batch progress on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRunID replaces the run ID generator. Default: random UUIDs.
func WithRunID(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.runID = fn
		}
	}
}

// Orchestrator is safe for concurrent use. Distinct batches may run in
// parallel; they share the audio cache and deduplicate identical in-flight
// requests.
type Orchestrator struct {
	backends Resolver
	voices   VoiceLister
	cache    *audiocache.Cache
	sink     sink.Sink
	params   func(backendID string) tts.Params

	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time
	runID   func() string

	flight singleflight.Group
}

// New returns an Orchestrator.
func New(backends Resolver, voices VoiceLister, cache *audiocache.Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backends: backends,
		voices:   voices,
		cache:    cache,
		sink:     sink.Nop{},
		params:   func(string) tts.Params { return nil },
		log:      slog.Default(),
		now:      time.Now,
		runID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ListVoices returns the voice catalog of backendID through the voice cache.
func (o *Orchestrator) ListVoices(ctx context.Context, backendID string) ([]types.Voice, error) {
	return o.voices.Get(ctx, backendID)
}

// GenerateOne returns the audio for item. backendID overrides the item's own
// backend reference when non-empty.
func (o *Orchestrator) GenerateOne(ctx context.Context, item types.SpeakableItem, backendID string) ([]byte, error) {
	res, err := o.Generate(ctx, item, backendID)
	if err != nil {
		return nil, err
	}
	return res.Audio, nil
}

// Generate is GenerateOne with cache and fingerprint details.
func (o *Orchestrator) Generate(ctx context.Context, item types.SpeakableItem, backendID string) (Result, error) {
	if err := validate(item); err != nil {
		return Result{}, err
	}
	id := effectiveBackend(item, backendID)
	b, err := o.backends.Resolve(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return o.generate(ctx, b, id, item, o.params(id))
}

func effectiveBackend(item types.SpeakableItem, backendID string) string {
	if backendID != "" || item == nil {
		return backendID
	}
	return item.BackendID()
}

func validate(item types.SpeakableItem) error {
	if item == nil || strings.TrimSpace(item.SpeakableText()) == "" {
		return fmt.Errorf("%w: empty text", tts.ErrInvalidInput)
	}
	if item.VoiceID() == "" {
		return fmt.Errorf("%w: no voice", tts.ErrInvalidInput)
	}
	return nil
}

// generate serves item from the cache or the backend. Identical concurrent
// requests share one backend call. The shared call is detached from the
// cancellation of the caller that started it so its result always reaches
// the cache.
func (o *Orchestrator) generate(ctx context.Context, b tts.Backend, backendID string, item types.SpeakableItem, params tts.Params) (Result, error) {
	text := item.SpeakableText()
	voice := item.VoiceID()
	fp := audiocache.Fingerprint(backendID, voice, text, params)
	res := Result{Item: item, BackendID: backendID, Fingerprint: fp}

	if a, ok := o.cache.Get(fp); ok {
		res.Audio, res.CacheHit = a.Audio, true
		return res, nil
	}

	ch := o.flight.DoChan(fp, func() (any, error) {
		return o.callBackend(context.WithoutCancel(ctx), b, backendID, fp, text, voice, params)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		audio := r.Val.([]byte)
		res.Audio = append([]byte(nil), audio...)
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (o *Orchestrator) callBackend(ctx context.Context, b tts.Backend, backendID, fp, text, voice string, params tts.Params) ([]byte, error) {
	// A flight that started just after another finished finds its result.
	if a, ok := o.cache.Peek(fp); ok {
		return a.Audio, nil
	}

	ctx, span := observe.StartGenerateSpan(ctx, backendID, voice, fp)
	start := time.Now()
	audio, err := b.Generate(ctx, text, voice, params)
	if err == nil && len(audio) == 0 {
		err = tts.Errorf(backendID, "generate", "empty audio")
	}
	observe.EndSpan(span, err)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordBackendCall(ctx, backendID, "generate", status, time.Since(start).Seconds())
	if err != nil {
		return nil, tts.Wrap(backendID, "generate", err)
	}

	if err := o.cache.Put(fp, audio); err != nil {
		o.log.Debug("orchestrator: audio not cached", "backend", backendID, "fingerprint", fp, "err", err)
	}
	return audio, nil
}

// outcome is the per-item result of a window.
type outcome struct {
	res Result
	err error
}

// GenerateBatch processes every item of state and returns the results in
// item order. backendID overrides the items' own backend references when
// non-empty. saveInterval is the number of items between sink flushes;
// values below 1 flush after every item.
//
// Backend resolution errors are returned before the batch starts, also for
// an empty batch when backendID is set. Cancelling the batch or ctx stops the
// run at the next item boundary; items already being generated are still
// persisted and counted. Once the batch is processing, the returned error is
// nil on completion, wraps [ErrCancelled] on cancellation, and otherwise
// carries the failing item's error joined with any flush error. The results produced before a
// cancellation or failure are always returned.
func (o *Orchestrator) GenerateBatch(ctx context.Context, state *batch.State, backendID string, saveInterval int) ([]Result, error) {
	if saveInterval < 1 {
		saveInterval = 1
	}
	items := state.Items()

	resolved, err := o.resolveAll(ctx, items, backendID)
	if err != nil {
		return nil, err
	}

	window := 1
	if len(resolved) == 1 {
		for _, b := range resolved {
			window = tts.Concurrency(b)
		}
	}

	handle, err := state.Begin()
	if err != nil {
		return nil, err
	}
	o.metrics.AddActiveBatches(ctx, 1)
	defer o.metrics.AddActiveBatches(context.WithoutCancel(ctx), -1)

	ctx, span := observe.StartBatchSpan(ctx, state.Name(), len(items))
	defer span.End()

	r := &run{
		o:            o,
		state:        state,
		handle:       handle,
		id:           o.runID(),
		saveInterval: saveInterval,
		results:      make([]Result, 0, len(items)),
	}
	log := o.log.With("batch", state.Name(), "run_id", r.id)
	log.Info("batch started", "items", len(items), "window", window, "save_interval", saveInterval)

	for i := 0; i < len(items); {
		if r.stopped(ctx) {
			return r.cancel(ctx, log)
		}
		end := min(i+window, len(items))
		handle.SetStatusMessage(fmt.Sprintf("Generating item %d of %d", i+1, len(items)))

		// Items already in flight when the run is cancelled still land.
		outs := o.generateWindow(context.WithoutCancel(ctx), resolved, backendID, items[i:end], i)
		for _, out := range outs {
			if out.err != nil {
				if r.stopped(ctx) {
					return r.cancel(ctx, log)
				}
				o.metrics.RecordBatchItem(ctx, "failed")
				return r.fail(ctx, log, fmt.Errorf("item %d: %w", out.res.Index, out.err))
			}
			if err := r.persist(context.WithoutCancel(ctx), resolved[out.res.BackendID], out.res); err != nil {
				return r.fail(ctx, log, err)
			}
		}
		i = end
	}

	if handle.Cancelled() {
		return r.cancel(ctx, log)
	}
	if err := r.flush(context.WithoutCancel(ctx)); err != nil {
		return r.fail(ctx, log, err)
	}
	handle.Complete()
	log.Info("batch complete", "items", len(r.results))
	return r.results, nil
}

// resolveAll resolves backendID, or every backend the items name when it is
// empty.
func (o *Orchestrator) resolveAll(ctx context.Context, items []types.SpeakableItem, backendID string) (map[string]tts.Backend, error) {
	resolved := make(map[string]tts.Backend)
	ids := []string{backendID}
	if backendID == "" {
		ids = ids[:0]
		for _, item := range items {
			ids = append(ids, effectiveBackend(item, ""))
		}
	}
	for _, id := range ids {
		if _, ok := resolved[id]; ok {
			continue
		}
		b, err := o.backends.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		resolved[id] = b
	}
	return resolved, nil
}

// generateWindow generates items concurrently and returns their outcomes in
// item order. Every item of the window runs to completion.
func (o *Orchestrator) generateWindow(ctx context.Context, resolved map[string]tts.Backend, backendID string, items []types.SpeakableItem, offset int) []outcome {
	outs := make([]outcome, len(items))
	one := func(j int) {
		item := items[j]
		id := effectiveBackend(item, backendID)
		outs[j].res.Index = offset + j
		if err := validate(item); err != nil {
			outs[j].err = err
			return
		}
		res, err := o.generate(ctx, resolved[id], id, item, o.params(id))
		res.Index = offset + j
		outs[j] = outcome{res: res, err: err}
	}

	if len(items) == 1 {
		one(0)
		return outs
	}
	var g errgroup.Group
	for j := range items {
		g.Go(func() error {
			one(j)
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

// run holds the mutable bookkeeping of one GenerateBatch call.
type run struct {
	o            *Orchestrator
	state        *batch.State
	handle       *batch.Run
	id           string
	saveInterval int
	unflushed    int
	results      []Result
}

func (r *run) persist(ctx context.Context, b tts.Backend, res Result) error {
	text := res.Item.SpeakableText()
	rec := sink.Record{
		BatchName:         r.state.Name(),
		RunID:             r.id,
		Index:             res.Index,
		BackendID:         res.BackendID,
		VoiceID:           res.Item.VoiceID(),
		Kind:              types.KindOf(res.Item),
		Text:              text,
		Fingerprint:       res.Fingerprint,
		CacheHit:          res.CacheHit,
		Bytes:             len(res.Audio),
		EstimatedDuration: b.EstimateDuration(text, res.Item.VoiceID()),
		CreatedAt:         r.o.now(),
	}
	if err := r.o.sink.Append(ctx, res.Item, res.Audio, rec); err != nil {
		return fmt.Errorf("orchestrator: persist item %d: %w", res.Index, err)
	}
	r.results = append(r.results, res)
	r.unflushed++
	_ = r.handle.AdvanceProgress()

	status := "generated"
	if res.CacheHit {
		status = "cached"
	}
	r.o.metrics.RecordBatchItem(ctx, status)

	if r.unflushed >= r.saveInterval {
		return r.flush(ctx)
	}
	return nil
}

func (r *run) flush(ctx context.Context) error {
	if err := r.o.sink.Flush(ctx); err != nil {
		return fmt.Errorf("orchestrator: flush: %w", err)
	}
	r.unflushed = 0
	return nil
}

// stopped reports whether the batch was cancelled or ctx is done.
func (r *run) stopped(ctx context.Context) bool {
	return r.handle.Cancelled() || ctx.Err() != nil
}

// fail flushes what was persisted so far and moves the batch to Failed.
func (r *run) fail(ctx context.Context, log *slog.Logger, cause error) ([]Result, error) {
	err := cause
	if r.unflushed > 0 {
		if ferr := r.flush(context.WithoutCancel(ctx)); ferr != nil {
			err = errors.Join(cause, ferr)
		}
	}
	r.handle.FailProcessing(err)
	log.Error("batch failed", "completed", len(r.results), "err", err)
	return r.results, err
}

// cancel flushes what was persisted so far and moves the batch to Cancelled.
// A flush failure turns the cancellation into a failure.
func (r *run) cancel(ctx context.Context, log *slog.Logger) ([]Result, error) {
	if err := r.flush(context.WithoutCancel(ctx)); err != nil {
		return r.fail(ctx, log, errors.Join(ErrCancelled, err))
	}
	r.handle.MarkCancelled()
	log.Info("batch cancelled", "completed", len(r.results))
	return r.results, ErrCancelled
}
