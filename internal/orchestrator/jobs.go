package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/narrator/internal/batch"
	"github.com/MrWong99/narrator/pkg/types"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("orchestrator: job not found")

// Job is a batch submitted for background processing.
type Job struct {
	ID           string
	Backend      string
	SaveInterval int
	Created      time.Time
	State        *batch.State

	mu      sync.Mutex
	done    chan struct{}
	running bool
	results []Result
	err     error
	cancel  context.CancelFunc
}

// Done returns a channel closed when the current run ends. It is nil before
// the first Start.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// Result returns the outcome of the last finished run.
func (j *Job) Result() ([]Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.results), j.err
}

// JobInfo is a serializable view of a [Job].
type JobInfo struct {
	ID           string    `json:"id"`
	Backend      string    `json:"backend,omitempty"`
	SaveInterval int       `json:"save_interval"`
	Created      time.Time `json:"created"`
	batch.Snapshot
	Generated int `json:"generated"`
	CacheHits int `json:"cache_hits"`
}

// Info returns the job's current state and the tally of its last run.
func (j *Job) Info() JobInfo {
	info := JobInfo{
		ID:           j.ID,
		Backend:      j.Backend,
		SaveInterval: j.SaveInterval,
		Created:      j.Created,
		Snapshot:     j.State.Snapshot(),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	info.Generated = len(j.results)
	for _, r := range j.results {
		if r.CacheHit {
			info.CacheHits++
		}
	}
	return info
}

// Jobs runs batches in the background and tracks them by ID.
type Jobs struct {
	o    *Orchestrator
	base context.Context

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewJobs returns a tracker that runs batches on o. Runs inherit values and
// cancellation from base.
func NewJobs(base context.Context, o *Orchestrator) *Jobs {
	return &Jobs{o: o, base: base, jobs: make(map[string]*Job)}
}

// Submit registers a new Ready batch. It does not start it.
func (js *Jobs) Submit(name string, items []types.SpeakableItem, backendID string, saveInterval int) (*Job, error) {
	if len(items) == 0 {
		return nil, errors.New("orchestrator: batch has no items")
	}
	j := &Job{
		ID:           uuid.NewString(),
		Backend:      backendID,
		SaveInterval: saveInterval,
		Created:      js.o.now(),
		State:        batch.New(name, items),
	}
	js.mu.Lock()
	js.jobs[j.ID] = j
	js.mu.Unlock()
	return j, nil
}

// Get returns the job with the given ID.
func (js *Jobs) Get(id string) (*Job, error) {
	js.mu.RLock()
	defer js.mu.RUnlock()
	j, ok := js.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	return j, nil
}

// List returns all jobs, oldest first.
func (js *Jobs) List() []*Job {
	js.mu.RLock()
	out := make([]*Job, 0, len(js.jobs))
	for _, j := range js.jobs {
		out = append(out, j)
	}
	js.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Job) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Start runs the job in the background. It fails with [batch.ErrAlreadyProcessing]
// or [batch.ErrNotReady] when the batch cannot start, and with backend
// resolution errors before the batch changes state.
func (js *Jobs) Start(id string) error {
	j, err := js.Get(id)
	if err != nil {
		return err
	}
	if st := j.State.Status(); st != batch.StatusReady {
		if st == batch.StatusProcessing {
			return batch.ErrAlreadyProcessing
		}
		return fmt.Errorf("%w: batch %q is %s", batch.ErrNotReady, j.State.Name(), st)
	}
	if _, err := js.o.resolveAll(js.base, j.State.Items(), j.Backend); err != nil {
		return err
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return batch.ErrAlreadyProcessing
	}
	ctx, cancel := context.WithCancel(js.base)
	done := make(chan struct{})
	j.running = true
	j.done = done
	j.cancel = cancel
	j.mu.Unlock()

	js.wg.Add(1)
	go func() {
		defer js.wg.Done()
		defer close(done)
		defer cancel()
		results, err := js.o.GenerateBatch(ctx, j.State, j.Backend, j.SaveInterval)
		j.mu.Lock()
		j.results, j.err = results, err
		j.running = false
		j.mu.Unlock()
	}()
	return nil
}

// Cancel cancels the job. Its batch leaves Processing at once; the run stops
// at its next item boundary after storing the items it had in flight.
func (js *Jobs) Cancel(id string) error {
	j, err := js.Get(id)
	if err != nil {
		return err
	}
	j.State.Cancel()
	return nil
}

// Reset returns a finished job to Ready so it can be started again. It
// fails with [batch.ErrBusy] until a cancelled run has stored its last item.
func (js *Jobs) Reset(id string) error {
	j, err := js.Get(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return batch.ErrBusy
	}
	if err := j.State.Reset(); err != nil {
		return err
	}
	j.results, j.err = nil, nil
	return nil
}

// Remove forgets a job whose run has ended.
func (js *Jobs) Remove(id string) error {
	j, err := js.Get(id)
	if err != nil {
		return err
	}
	j.mu.Lock()
	busy := j.running
	j.mu.Unlock()
	if busy || j.State.IsProcessing() {
		return batch.ErrBusy
	}
	js.mu.Lock()
	delete(js.jobs, id)
	js.mu.Unlock()
	return nil
}

// Wait blocks until the job's current run ends or ctx is done.
func (js *Jobs) Wait(ctx context.Context, id string) ([]Result, error) {
	j, err := js.Get(id)
	if err != nil {
		return nil, err
	}
	done := j.Done()
	if done == nil {
		return nil, fmt.Errorf("%w: job %q was never started", batch.ErrNotProcessing, id)
	}
	select {
	case <-done:
		return j.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels every running job and waits for the runs to end.
func (js *Jobs) Shutdown(ctx context.Context) error {
	js.mu.RLock()
	for _, j := range js.jobs {
		if j.State.IsProcessing() {
			j.State.Cancel()
		}
	}
	js.mu.RUnlock()

	waited := make(chan struct{})
	go func() {
		js.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		js.mu.RLock()
		for _, j := range js.jobs {
			j.mu.Lock()
			if j.cancel != nil {
				j.cancel()
			}
			j.mu.Unlock()
		}
		js.mu.RUnlock()
		<-waited
		return ctx.Err()
	}
}
