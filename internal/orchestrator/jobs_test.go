package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/narrator/internal/backend"
	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/internal/orchestrator"
	"github.com/MrWong99/narrator/pkg/provider/tts/mock"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJobs_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	jobs := orchestrator.NewJobs(context.Background(), f.orch)

	job, err := jobs.Submit("chapter", messages("one", "two", "three"), "mock", 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State.Status() != batch.StatusReady || job.Done() != nil {
		t.Fatalf("submitted job should be ready and unstarted")
	}
	if _, err := jobs.Wait(waitCtx(t), job.ID); !errors.Is(err, batch.ErrNotProcessing) {
		t.Errorf("Wait before Start = %v", err)
	}

	if err := jobs.Start(job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	results, err := jobs.Wait(waitCtx(t), job.ID)
	if err != nil || len(results) != 3 {
		t.Fatalf("Wait = %d results, %v", len(results), err)
	}
	if job.State.Status() != batch.StatusComplete {
		t.Errorf("status = %s", job.State.Status())
	}

	if err := jobs.Start(job.ID); !errors.Is(err, batch.ErrNotReady) {
		t.Errorf("restart without reset = %v, want ErrNotReady", err)
	}
	if err := jobs.Reset(job.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if res, err := job.Result(); res != nil || err != nil {
		t.Errorf("Reset kept the previous outcome: %d, %v", len(res), err)
	}
	if err := jobs.Start(job.ID); err != nil {
		t.Fatalf("Start after Reset: %v", err)
	}
	if _, err := jobs.Wait(waitCtx(t), job.ID); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if n := f.backend.GenerateCount(); n != 3 {
		t.Errorf("second run bypassed the audio cache: %d backend calls", n)
	}
	info := job.Info()
	if info.ID != job.ID || info.Name != "chapter" || info.Generated != 3 || info.CacheHits != 3 || !info.IsComplete {
		t.Errorf("Info = %+v", info)
	}

	if err := jobs.Remove(job.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := jobs.Get(job.ID); !errors.Is(err, orchestrator.ErrJobNotFound) {
		t.Errorf("Get after Remove = %v", err)
	}
}

func TestJobs_Cancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	b := &mock.Backend{Configured: true}
	b.OnGenerate = func(call int, _ string) {
		if call == 1 {
			<-release
		}
	}
	f := newFixture(t, b)
	jobs := orchestrator.NewJobs(context.Background(), f.orch)

	job, _ := jobs.Submit("b", messages("one", "two", "three"), "mock", 1)
	if err := jobs.Start(job.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := jobs.Start(job.ID); !errors.Is(err, batch.ErrAlreadyProcessing) {
		t.Errorf("second Start = %v, want ErrAlreadyProcessing", err)
	}
	if err := jobs.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.State.IsProcessing() {
		t.Errorf("batch still processing right after Cancel: %+v", job.State.Snapshot())
	}
	if err := jobs.Reset(job.ID); !errors.Is(err, batch.ErrBusy) {
		t.Errorf("Reset while the run lands its item = %v, want ErrBusy", err)
	}
	close(release)

	results, err := jobs.Wait(waitCtx(t), job.ID)
	if !errors.Is(err, orchestrator.ErrCancelled) {
		t.Fatalf("Wait = %v, want ErrCancelled", err)
	}
	if len(results) > 1 || !job.State.IsCancelled() {
		t.Errorf("results=%d snapshot=%+v", len(results), job.State.Snapshot())
	}
	if got := job.State.CurrentIndex(); got != len(results) {
		t.Errorf("CurrentIndex = %d, want %d", got, len(results))
	}
	if err := jobs.Reset(job.ID); err != nil {
		t.Errorf("Reset after the run ended: %v", err)
	}
}

func TestJobs_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true})
	jobs := orchestrator.NewJobs(context.Background(), f.orch)

	if _, err := jobs.Submit("empty", nil, "mock", 1); err == nil {
		t.Error("empty submission accepted")
	}
	for _, fn := range []func(string) error{jobs.Start, jobs.Cancel, jobs.Reset, jobs.Remove} {
		if err := fn("missing"); !errors.Is(err, orchestrator.ErrJobNotFound) {
			t.Errorf("err = %v, want ErrJobNotFound", err)
		}
	}

	job, _ := jobs.Submit("b", messages("one"), "nope", 1)
	if err := jobs.Start(job.ID); !errors.Is(err, backend.ErrBackendNotFound) {
		t.Errorf("Start with unknown backend = %v", err)
	}
	if job.State.Status() != batch.StatusReady {
		t.Errorf("status = %s, want ready", job.State.Status())
	}
}

func TestJobs_Shutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Backend{Configured: true, Delay: 10 * time.Millisecond})
	jobs := orchestrator.NewJobs(context.Background(), f.orch)

	running, _ := jobs.Submit("running", messages("a", "b", "c", "d", "e", "f"), "mock", 1)
	idle, _ := jobs.Submit("idle", messages("x"), "mock", 1)
	if err := jobs.Start(running.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := jobs.Shutdown(waitCtx(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if running.State.IsProcessing() {
		t.Error("job still processing after Shutdown")
	}
	if idle.State.CancelRequested() {
		t.Error("Shutdown queued a cancel on a job that never started")
	}
	if got := len(jobs.List()); got != 2 {
		t.Errorf("List = %d jobs", got)
	}
}
