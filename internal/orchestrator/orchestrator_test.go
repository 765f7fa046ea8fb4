package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/audiocache"
	"github.com/MrWong99/narrator/internal/backend"
	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/internal/orchestrator"
	"github.com/MrWong99/narrator/internal/voicecache"
	"github.com/MrWong99/narrator/pkg/provider/tts"
	"github.com/MrWong99/narrator/pkg/provider/tts/mock"
	sinkmock "github.com/MrWong99/narrator/pkg/sink/mock"
	"github.com/MrWong99/narrator/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	orch    *orchestrator.Orchestrator
	backend *mock.Backend
	sink    *sinkmock.Sink
	cache   *audiocache.Cache
}

func newFixture(t *testing.T, b *mock.Backend, opts ...orchestrator.Option) *fixture {
	t.Helper()
	reg := backend.NewRegistry(nil)
	err := reg.Register(backend.Descriptor{
		ID:             "mock",
		DefaultEnabled: true,
		Factory:        func(context.Context) (tts.Backend, error) { return b, nil },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	f := &fixture{backend: b, sink: &sinkmock.Sink{}, cache: audiocache.New(0)}
	opts = append([]orchestrator.Option{
		orchestrator.WithSink(f.sink),
		orchestrator.WithLogger(slog.New(slog.DiscardHandler)),
		orchestrator.WithRunID(func() string { return "run-1" }),
	}, opts...)
	f.orch = orchestrator.New(reg, voicecache.New(reg), f.cache, opts...)
	return f
}

func messages(texts ...string) []types.SpeakableItem {
	out := make([]types.SpeakableItem, len(texts))
	for i, text := range texts {
		out[i] = types.Message{Ref: types.Ref{Voice: "v"}, Text: text}
	}
	return out
}

// ── single items ─────────────────────────────────────────────────────────────

func TestGenerateOne(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	item := types.Message{Ref: types.Ref{Backend: "mock", Voice: "v"}, Text: "hello there"}

	audio, err := f.orch.GenerateOne(context.Background(), item, "")
	if err != nil {
		t.Fatalf("GenerateOne: %v", err)
	}
	if string(audio) != "v:hello there" {
		t.Errorf("audio = %q", audio)
	}

	res, err := f.orch.Generate(context.Background(), item, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.CacheHit {
		t.Error("second request for the same item missed the cache")
	}
	if n := f.backend.GenerateCount(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
}

func TestGenerateOne_InvalidInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	tests := []struct {
		name string
		item types.SpeakableItem
	}{
		{"blank text", types.Message{Ref: types.Ref{Voice: "v"}, Text: "   "}},
		{"no voice", types.Message{Text: "hello"}},
		{"nil item", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.GenerateOne(context.Background(), tc.item, "mock")
			if !errors.Is(err, tts.ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
	if n := f.backend.GenerateCount(); n != 0 {
		t.Errorf("backend called %d times for invalid input", n)
	}
}

func TestGenerateOne_UnknownBackend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	_, err := f.orch.GenerateOne(context.Background(), messages("hi")[0], "nope")
	if !errors.Is(err, backend.ErrBackendNotFound) {
		t.Errorf("err = %v, want ErrBackendNotFound", err)
	}
}

func TestGenerateOne_ConcurrentRequestsShareOneCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true, Delay: 20 * time.Millisecond})
	item := messages("same line")[0]

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.orch.GenerateOne(context.Background(), item, "mock")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := f.backend.GenerateCount(); n != 1 {
		t.Errorf("backend called %d times, want 1", n)
	}
}

func TestGenerateOne_ParamsReachBackendAndFingerprint(t *testing.T) {
	t.Parallel()

	model := "v2"
	var mu sync.Mutex
	f := newFixture(t, &mock.Backend{Configured: true}, orchestrator.WithParams(func(string) tts.Params {
		mu.Lock()
		defer mu.Unlock()
		return tts.Params{"model": model}
	}))
	item := messages("hello")[0]

	first, err := f.orch.Generate(context.Background(), item, "mock")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	mu.Lock()
	model = "v3"
	mu.Unlock()
	second, err := f.orch.Generate(context.Background(), item, "mock")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if first.Fingerprint == second.Fingerprint || second.CacheHit {
		t.Error("a model change must produce a new fingerprint")
	}
	if got := f.backend.GenerateCalls[0].Params.Get("model"); got != "v2" {
		t.Errorf("first call model = %q", got)
	}
}

func TestGenerateOne_EmptyAudioIsBackendError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true, Audio: []byte{}})
	_, err := f.orch.GenerateOne(context.Background(), messages("hi")[0], "mock")
	var be *tts.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *tts.BackendError", err)
	}
	if f.cache.Stats().Entries != 0 {
		t.Error("empty audio was cached")
	}
}

func TestListVoices_UsesCatalogCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true, Voices: []types.Voice{{ID: "v", Name: "Vera"}}})
	for range 3 {
		voices, err := f.orch.ListVoices(context.Background(), "mock")
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 1 || voices[0].Backend != "mock" {
			t.Errorf("voices = %+v", voices)
		}
	}
	if n := f.backend.ListVoicesCount(); n != 1 {
		t.Errorf("backend listed voices %d times, want 1", n)
	}
}

// ── batches ──────────────────────────────────────────────────────────────────

func TestGenerateBatch_CompletesInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	st := batch.New("chapter-1", messages("one", "two", "three", "four"))

	results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 1)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for i, want := range []string{"one", "two", "three", "four"} {
		if results[i].Index != i || string(results[i].Audio) != "v:"+want {
			t.Errorf("result %d = {%d %q}", i, results[i].Index, results[i].Audio)
		}
	}

	snap := st.Snapshot()
	if snap.Status != batch.StatusComplete || snap.Progress != 1 || snap.StatusMessage != batch.MessageComplete {
		t.Errorf("final snapshot %+v", snap)
	}

	flushed := f.sink.Flushed()
	if len(flushed) != 4 {
		t.Fatalf("sink has %d flushed entries, want 4", len(flushed))
	}
	for i, e := range flushed {
		r := e.Record
		if r.Index != i || r.BatchName != "chapter-1" || r.RunID != "run-1" || r.Kind != types.KindMessage ||
			r.BackendID != "mock" || r.VoiceID != "v" || r.Bytes != len(e.Audio) || r.EstimatedDuration < 1 {
			t.Errorf("record %d = %+v", i, r)
		}
	}
}

func TestGenerateBatch_SaveInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		interval    int
		wantFlushes int
	}{
		{interval: 0, wantFlushes: 6},
		{interval: 1, wantFlushes: 6},
		{interval: 2, wantFlushes: 3},
		{interval: 10, wantFlushes: 1},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("interval=%d", tc.interval), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, &mock.Backend{Configured: true})
			st := batch.New("b", messages("a", "b", "c", "d", "e"))
			if _, err := f.orch.GenerateBatch(context.Background(), st, "mock", tc.interval); err != nil {
				t.Fatalf("GenerateBatch: %v", err)
			}
			if got := f.sink.FlushCount(); got != tc.wantFlushes {
				t.Errorf("flushes = %d, want %d", got, tc.wantFlushes)
			}
			if len(f.sink.Flushed()) != 5 || len(f.sink.Pending()) != 0 {
				t.Errorf("flushed=%d pending=%d", len(f.sink.Flushed()), len(f.sink.Pending()))
			}
		})
	}
}

func TestGenerateBatch_RepeatedTextHitsCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	st := batch.New("b", messages("again", "again", "  again  ", "other"))

	results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 1)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if n := f.backend.GenerateCount(); n != 2 {
		t.Errorf("backend called %d times, want 2", n)
	}
	hits := 0
	for _, r := range results {
		if r.CacheHit {
			hits++
		}
	}
	if hits != 2 {
		t.Errorf("cache hits = %d, want 2", hits)
	}
}

func TestGenerateBatch_CancelMidBatch(t *testing.T) {
	t.Parallel()

	st := batch.New("b", messages("one", "two", "three", "four"))
	b := &mock.Backend{Configured: true}
	var during batch.Snapshot
	b.OnGenerate = func(call int, _ string) {
		if call == 3 {
			st.Cancel()
			during = st.Snapshot()
		}
	}
	f := newFixture(t, b)

	results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 10)
	if !errors.Is(err, orchestrator.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if during.IsProcessing || !during.IsCancelled || during.StatusMessage != batch.MessageCancelled {
		t.Errorf("Cancel did not take effect at once: %+v", during)
	}
	// Item three was in flight when the cancel arrived.
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
	snap := st.Snapshot()
	if !snap.IsCancelled || snap.CurrentIndex != 3 || snap.IsProcessing || snap.CancelPending {
		t.Errorf("snapshot after cancel %+v", snap)
	}
	if len(f.sink.Flushed()) != 3 {
		t.Errorf("processed items not flushed on cancel: %d", len(f.sink.Flushed()))
	}
	if n := b.GenerateCount(); n != 3 {
		t.Errorf("backend called %d times after cancel, want 3", n)
	}

	// A cancelled batch can be reset and run again.
	if err := st.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	b.OnGenerate = nil
	results, err = f.orch.GenerateBatch(context.Background(), st, "mock", 10)
	if err != nil || len(results) != 4 {
		t.Fatalf("rerun = %d results, %v", len(results), err)
	}
	if n := b.GenerateCount(); n != 4 {
		t.Errorf("rerun did not reuse cached audio: %d backend calls", n)
	}
}

func TestGenerateBatch_CancelBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	st := batch.New("b", messages("one", "two"))
	st.Cancel()

	results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 1)
	if !errors.Is(err, orchestrator.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(results) != 0 || !st.IsCancelled() || st.CurrentIndex() != 0 {
		t.Errorf("results=%d snapshot=%+v", len(results), st.Snapshot())
	}
	if f.backend.GenerateCount() != 0 {
		t.Error("backend called for a batch cancelled before start")
	}
}

func TestGenerateBatch_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := &mock.Backend{Configured: true, Delay: 20 * time.Millisecond}
	b.OnGenerate = func(call int, _ string) {
		if call == 3 {
			cancel()
		}
	}
	f := newFixture(t, b)
	st := batch.New("b", messages("one", "two", "three", "four"))

	results, err := f.orch.GenerateBatch(ctx, st, "mock", 10)
	if !errors.Is(err, orchestrator.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	// The generation of item three outlives ctx and is kept.
	if len(results) != 3 || results[2].Index != 2 {
		t.Fatalf("results = %+v, want items 0..2", results)
	}
	snap := st.Snapshot()
	if !snap.IsCancelled || snap.CurrentIndex != 3 {
		t.Errorf("snapshot after cancel %+v", snap)
	}
	flushed := f.sink.Flushed()
	if len(flushed) != 3 || flushed[2].Record.Text != "three" {
		t.Errorf("flushed = %d entries, want three with the in-flight item last", len(flushed))
	}
	if !f.cache.Contains(audiocache.Fingerprint("mock", "v", "three", nil)) {
		t.Error("in-flight item not cached")
	}
	if n := b.GenerateCount(); n != 3 {
		t.Errorf("backend called %d times, want 3", n)
	}
}

func TestGenerateBatch_InvalidItemFailsBatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item types.SpeakableItem
	}{
		{name: "whitespace text", item: types.Message{Ref: types.Ref{Voice: "v"}, Text: "   "}},
		{name: "empty text", item: types.Message{Ref: types.Ref{Voice: "v"}}},
		{name: "no voice", item: types.Message{Text: "three"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, &mock.Backend{Configured: true})
			items := messages("one", "two")
			items = append(items, tt.item)
			items = append(items, messages("four")...)
			st := batch.New("b", items)

			results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 10)
			if !errors.Is(err, tts.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			if len(results) != 2 {
				t.Errorf("got %d results, want 2", len(results))
			}
			snap := st.Snapshot()
			if snap.Status != batch.StatusFailed || snap.CurrentIndex != 2 || !errors.Is(snap.Err, tts.ErrInvalidInput) {
				t.Errorf("snapshot after invalid item %+v", snap)
			}
			if got := len(f.sink.Flushed()); got != 2 {
				t.Errorf("flushed = %d, want 2", got)
			}
			if n := f.backend.GenerateCount(); n != 2 {
				t.Errorf("backend called %d times, want 2", n)
			}
		})
	}
}

func TestGenerateBatch_FailureKeepsEarlierItems(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true, FailOn: "three"})
	st := batch.New("b", messages("one", "two", "three", "four"))

	results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 10)
	var be *tts.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *tts.BackendError", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
	snap := st.Snapshot()
	if snap.Status != batch.StatusFailed || snap.CurrentIndex != 2 || snap.Err == nil || snap.IsCancelled {
		t.Errorf("snapshot after failure %+v", snap)
	}
	if len(f.sink.Flushed()) != 2 {
		t.Errorf("earlier items not persisted: %d", len(f.sink.Flushed()))
	}
	for _, text := range []string{"one", "two"} {
		fp := audiocache.Fingerprint("mock", "v", text, nil)
		if !f.cache.Contains(fp) {
			t.Errorf("%q not cached", text)
		}
	}
}

func TestGenerateBatch_FlushFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	f.sink.FlushErr = errors.New("disk full")
	f.sink.FailFlushAfter = 2
	st := batch.New("b", messages("one", "two", "three"))

	_, err := f.orch.GenerateBatch(context.Background(), st, "mock", 1)
	if err == nil || st.Status() != batch.StatusFailed {
		t.Fatalf("err = %v, status = %s", err, st.Status())
	}
	if !errors.Is(err, f.sink.FlushErr) {
		t.Errorf("flush error not surfaced: %v", err)
	}
	if len(f.sink.Flushed()) != 1 {
		t.Errorf("flushed = %d, want 1", len(f.sink.Flushed()))
	}
}

func TestGenerateBatch_UnresolvableBackendLeavesBatchReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	items := messages("one")
	items = append(items, types.Message{Ref: types.Ref{Backend: "nope", Voice: "v"}, Text: "two"})
	st := batch.New("b", items)

	_, err := f.orch.GenerateBatch(context.Background(), st, "", 1)
	if !errors.Is(err, backend.ErrBackendNotFound) {
		t.Fatalf("err = %v, want ErrBackendNotFound", err)
	}
	if st.Status() != batch.StatusReady || f.sink.FlushCount() != 0 {
		t.Errorf("batch touched before backends resolved: %+v", st.Snapshot())
	}
}

func TestGenerateBatch_AlreadyProcessing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	st := batch.New("b", messages("one"))
	_ = st.StartProcessing()

	if _, err := f.orch.GenerateBatch(context.Background(), st, "mock", 1); !errors.Is(err, batch.ErrAlreadyProcessing) {
		t.Errorf("err = %v, want ErrAlreadyProcessing", err)
	}
}

func TestGenerateBatch_Empty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	st := batch.New("empty", nil)

	results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 1)
	if err != nil || len(results) != 0 {
		t.Fatalf("results=%d err=%v", len(results), err)
	}
	if st.Status() != batch.StatusComplete || st.Progress() != 0 {
		t.Errorf("snapshot %+v", st.Snapshot())
	}
	if f.sink.FlushCount() != 1 {
		t.Errorf("flushes = %d, want 1", f.sink.FlushCount())
	}
}

func TestGenerateBatch_EmptyWithUnknownBackend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	st := batch.New("empty", nil)

	if _, err := f.orch.GenerateBatch(context.Background(), st, "nope", 1); !errors.Is(err, backend.ErrBackendNotFound) {
		t.Fatalf("err = %v, want ErrBackendNotFound", err)
	}
	if st.Status() != batch.StatusReady || f.sink.FlushCount() != 0 {
		t.Errorf("batch touched before the backend resolved: %+v", st.Snapshot())
	}
}

func TestGenerateBatch_ConcurrentBackendKeepsOrder(t *testing.T) {
	t.Parallel()

	b := &mock.Backend{
		Configured:  true,
		Concurrency: 3,
		AudioFunc: func(text, voiceID string, _ tts.Params) ([]byte, error) {
			// Later items of a window finish first.
			if text == "a" || text == "d" {
				time.Sleep(20 * time.Millisecond)
			}
			return []byte(voiceID + ":" + text), nil
		},
	}
	f := newFixture(t, b)
	texts := []string{"a", "b", "c", "d", "e", "f", "g"}
	st := batch.New("b", messages(texts...))

	results, err := f.orch.GenerateBatch(context.Background(), st, "mock", 1)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	for i, text := range texts {
		if results[i].Index != i || string(results[i].Audio) != "v:"+text {
			t.Errorf("result %d = {%d %q}", i, results[i].Index, results[i].Audio)
		}
	}
	for i, e := range f.sink.Flushed() {
		if e.Record.Index != i {
			t.Errorf("sink entry %d has index %d", i, e.Record.Index)
		}
	}
	if st.CurrentIndex() != len(texts) {
		t.Errorf("index = %d", st.CurrentIndex())
	}
}

func TestGenerateBatch_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true, Delay: time.Millisecond})
	texts := make([]string, 20)
	for i := range texts {
		texts[i] = fmt.Sprintf("line %d", i)
	}
	st := batch.New("b", messages(texts...))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := 0.0
		for {
			select {
			case <-stop:
				return
			default:
			}
			p := st.Progress()
			if p < last || p > 1 {
				t.Errorf("progress %v after %v", p, last)
				return
			}
			last = p
		}
	}()

	_, err := f.orch.GenerateBatch(context.Background(), st, "mock", 5)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
}
