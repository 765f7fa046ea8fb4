// Package batch implements the observable state of a batch generation run.
//
// A [State] holds a fixed, ordered list of items plus the progress,
// status message, and terminal outcome of the current run. One orchestrator
// run owns the writes at a time; any number of observers may read
// consistent snapshots concurrently.
//
// Lifecycle:
//
//	Ready ──StartProcessing──▶ Processing ──Complete────▶ Complete
//	  ▲                           │  └──FailProcessing──▶ Failed
//	  │                           └──Cancel─────────────▶ Cancelled
//	  └────────────Reset (not while Processing)───────────┘
//
// Cancel takes effect at once: the batch leaves Processing the moment it is
// called, so Reset never waits for the run. A [Run] obtained from
// [State.Begin] may still record the item it had in flight when the cancel
// arrived, and cannot touch the batch once it was reset.
package batch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/narrator/pkg/types"
)

// Status is the lifecycle phase of a batch.
type Status int

const (
	// StatusReady means the batch has not started, or was reset.
	StatusReady Status = iota
	// StatusProcessing means a run currently owns the batch.
	StatusProcessing
	// StatusComplete means every item was processed.
	StatusComplete
	// StatusCancelled means the run stopped on request.
	StatusCancelled
	// StatusFailed means the run stopped on an error.
	StatusFailed
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusProcessing:
		return "processing"
	case StatusComplete:
		return "complete"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for st := StatusReady; st <= StatusFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("batch: unknown status %q", text)
}

// Status messages set by the state transitions.
const (
	MessageReady      = "Ready"
	MessageProcessing = "Generating audio…"
	MessageComplete   = "Complete"
	MessageCancelled  = "Cancelled"
	MessageFailed     = "Failed"
)

var (
	// ErrNotReady is returned by StartProcessing when the batch already ran.
	// Reset it first.
	ErrNotReady = errors.New("batch: not ready")

	// ErrAlreadyProcessing is returned by StartProcessing while a run owns
	// the batch.
	ErrAlreadyProcessing = errors.New("batch: already processing")

	// ErrBusy is returned by Reset while a run owns the batch.
	ErrBusy = errors.New("batch: busy")

	// ErrNotProcessing is returned by run-only mutators called outside a run.
	ErrNotProcessing = errors.New("batch: not processing")
)

// Snapshot is a consistent, immutable view of a State.
type Snapshot struct {
	Name          string  `json:"name"`
	Status        Status  `json:"status"`
	CurrentIndex  int     `json:"current_index"`
	TotalCount    int     `json:"total_count"`
	Progress      float64 `json:"progress"`
	StatusMessage string  `json:"status_message"`
	IsProcessing  bool    `json:"is_processing"`
	IsCancelled   bool    `json:"is_cancelled"`
	CancelPending bool    `json:"cancel_pending"`
	IsComplete    bool    `json:"is_complete"`
	Err           error   `json:"-"`
	Error         string  `json:"error,omitempty"`
}

// State is the shared progress object of one batch.
type State struct {
	name  string
	items []types.SpeakableItem

	mu            sync.RWMutex
	status        Status
	current       int
	message       string
	cancelRequest bool
	err           error

	// epoch identifies the latest run; Reset and Begin advance it.
	epoch uint64
	// running is set from Begin until the run ends or the batch is reset.
	running bool
}

// New creates a Ready batch over a copy of items.
func New(name string, items []types.SpeakableItem) *State {
	return &State{
		name:    name,
		items:   append([]types.SpeakableItem(nil), items...),
		status:  StatusReady,
		message: MessageReady,
	}
}

// Name returns the batch name.
func (s *State) Name() string { return s.name }

// Items returns a copy of the batch items.
func (s *State) Items() []types.SpeakableItem {
	return append([]types.SpeakableItem(nil), s.items...)
}

// TotalCount returns the number of items.
func (s *State) TotalCount() int { return len(s.items) }

// Snapshot returns a consistent view of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Name:          s.name,
		Status:        s.status,
		CurrentIndex:  s.current,
		TotalCount:    len(s.items),
		Progress:      s.progressLocked(),
		StatusMessage: s.message,
		IsProcessing:  s.status == StatusProcessing,
		IsCancelled:   s.status == StatusCancelled,
		CancelPending: s.cancelRequest,
		IsComplete:    s.current == len(s.items),
		Err:           s.err,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

func (s *State) progressLocked() float64 {
	if len(s.items) == 0 {
		return 0
	}
	return float64(s.current) / float64(len(s.items))
}

// Status returns the lifecycle phase.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// CurrentIndex returns how many items have been processed.
func (s *State) CurrentIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Progress returns CurrentIndex / TotalCount, or 0 for an empty batch.
func (s *State) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progressLocked()
}

// IsComplete reports whether every item has been processed. An empty batch
// is complete from construction.
func (s *State) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current == len(s.items)
}

// IsProcessing reports whether a run owns the batch.
func (s *State) IsProcessing() bool {
	return s.Status() == StatusProcessing
}

// IsCancelled reports whether the last run ended by cancellation.
func (s *State) IsCancelled() bool {
	return s.Status() == StatusCancelled
}

// StatusMessage returns the human-readable status.
func (s *State) StatusMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.message
}

// Err returns the terminal error of a failed run.
func (s *State) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Run is the write handle of one processing run, returned by [State.Begin].
// Its mutators only act while the run is the batch's latest one.
type Run struct {
	s     *State
	epoch uint64
}

// Begin moves a Ready batch to Processing and returns the handle of the new
// run. A cancellation requested while the batch was Ready moves it straight
// to Cancelled; the run then sees [Run.Cancelled] before its first item.
func (s *State) Begin() (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusReady:
	case StatusProcessing:
		return nil, ErrAlreadyProcessing
	default:
		return nil, fmt.Errorf("%w: batch %q is %s", ErrNotReady, s.name, s.status)
	}
	s.epoch++
	s.running = true
	s.status = StatusProcessing
	s.message = MessageProcessing
	s.err = nil
	if s.cancelRequest {
		s.cancelRequest = false
		s.status = StatusCancelled
		s.message = MessageCancelled
	}
	return &Run{s: s, epoch: s.epoch}, nil
}

// StartProcessing is [State.Begin] for callers that drive the batch through
// the State's own mutators.
func (s *State) StartProcessing() error {
	_, err := s.Begin()
	return err
}

// AdvanceProgress records one more processed item. It never moves past the
// item count.
func (s *State) AdvanceProgress() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusProcessing {
		return ErrNotProcessing
	}
	s.advanceLocked()
	return nil
}

func (s *State) advanceLocked() {
	if s.current < len(s.items) {
		s.current++
	}
}

// SetStatusMessage replaces the status message while processing.
func (s *State) SetStatusMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusProcessing {
		s.message = msg
	}
}

// Cancel stops the batch. A Processing batch becomes Cancelled immediately,
// keeping its index; the run notices at its next item boundary. On a Ready
// batch the request is kept until the next run begins. Cancelling a finished
// batch is a no-op. Cancel is idempotent.
func (s *State) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusReady:
		s.cancelRequest = true
	case StatusProcessing:
		s.status = StatusCancelled
		s.message = MessageCancelled
	}
}

// CancelRequested reports whether a cancellation made before the run began
// is pending.
func (s *State) CancelRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelRequest
}

// MarkCancelled ends the run as Cancelled. The index is left where it is.
func (s *State) MarkCancelled() { s.finish(0, StatusCancelled, nil) }

// FailProcessing ends the run as Failed with err.
func (s *State) FailProcessing(err error) { s.finish(0, StatusFailed, err) }

// Complete ends the run successfully.
func (s *State) Complete() { s.finish(0, StatusComplete, nil) }

// finish ends the run identified by epoch, or the latest run for epoch 0.
// A cancelled run whose last items are still landing may turn Failed, never
// Complete.
func (s *State) finish(epoch uint64, to Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != 0 && epoch != s.epoch {
		return
	}
	landing := s.running
	s.running = false
	switch s.status {
	case StatusProcessing:
	case StatusCancelled:
		if to != StatusFailed || !landing {
			return
		}
	default:
		return
	}
	s.status = to
	s.cancelRequest = false
	switch to {
	case StatusComplete:
		s.message = MessageComplete
	case StatusCancelled:
		s.message = MessageCancelled
	case StatusFailed:
		s.err = err
		s.message = MessageFailed
		if err != nil {
			s.message = MessageFailed + ": " + err.Error()
		}
	}
}

// Reset returns a batch that is not processing to Ready with zero progress.
// While processing it returns [ErrBusy] and changes nothing. A run still
// landing its last item after a cancel is detached from the batch.
func (s *State) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusProcessing {
		return ErrBusy
	}
	s.epoch++
	s.running = false
	s.status = StatusReady
	s.current = 0
	s.message = MessageReady
	s.cancelRequest = false
	s.err = nil
	return nil
}

// Cancelled reports whether the run should stop: the batch was cancelled,
// reset, or started again since the run began.
func (r *Run) Cancelled() bool {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.epoch != r.s.epoch || r.s.status == StatusCancelled
}

// AdvanceProgress records one more processed item. After a cancel it still
// counts the items the run had in flight, until the run ends.
func (r *Run) AdvanceProgress() error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.epoch != s.epoch || !s.running {
		return ErrNotProcessing
	}
	if s.status != StatusProcessing && s.status != StatusCancelled {
		return ErrNotProcessing
	}
	s.advanceLocked()
	return nil
}

// SetStatusMessage replaces the status message while the run is processing.
func (r *Run) SetStatusMessage(msg string) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.epoch == s.epoch && s.status == StatusProcessing {
		s.message = msg
	}
}

// MarkCancelled ends the run as Cancelled.
func (r *Run) MarkCancelled() { r.s.finish(r.epoch, StatusCancelled, nil) }

// FailProcessing ends the run as Failed with err, also after a cancel.
func (r *Run) FailProcessing(err error) { r.s.finish(r.epoch, StatusFailed, err) }

// Complete ends the run successfully unless it was cancelled.
func (r *Run) Complete() { r.s.finish(r.epoch, StatusComplete, nil) }
