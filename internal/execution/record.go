package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/event"
)

// Snapshot is the storable, immutable view of a Record.
type Snapshot struct {
	ID               string                 `json:"id"`
	PipelineID       string                 `json:"pipeline_id"`
	PipelineName     string                 `json:"pipeline_name"`
	EventType        string                 `json:"event_type"`
	Platform         string                 `json:"platform"`
	Event            map[string]interface{} `json:"event"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	SettledAt        *time.Time             `json:"settled_at,omitempty"`
	DurationMs       int64                  `json:"duration_ms"`
	Status           Status                 `json:"status"`
	Error            string                 `json:"error_message,omitempty"`
	ActionsExecuted  int                    `json:"actions_executed"`
	ActionsSucceeded int                    `json:"actions_succeeded"`
	Results          []ActionResult         `json:"results"`
}

// Record is one pipeline run. It is append-only and carries two completion
// watermarks: CompletedAt once the synchronous chain is done, SettledAt once
// every async action has also reported. Results arriving between the two are
// late appends; the synchronous portion never changes after Complete.
type Record struct {
	ID           string
	PipelineID   string
	PipelineName string
	EventType    string
	Platform     string
	Event        map[string]interface{}
	StartedAt    time.Time

	mu          sync.Mutex
	status      Status
	errMsg      string
	executed    int
	succeeded   int
	results     []ActionResult
	completedAt time.Time
	settledAt   time.Time
	pending     int

	settled chan struct{}
	flushed chan struct{}
	flush   sync.Once
}

// NewRecord starts a Running record for pipeline p triggered by ev.
func NewRecord(pipelineID, pipelineName string, ev *event.Envelope) *Record {
	return &Record{
		ID:           uuid.NewString(),
		PipelineID:   pipelineID,
		PipelineName: pipelineName,
		EventType:    ev.Type,
		Platform:     ev.Platform,
		Event:        ev.Snapshot(),
		StartedAt:    time.Now().UTC(),
		status:       StatusRunning,
		settled:      make(chan struct{}),
		flushed:      make(chan struct{}),
	}
}

// Append adds a synchronous result. It fails once the record is complete.
func (r *Record) Append(res ActionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.completedAt.IsZero() {
		return errs.Wrap(errs.ErrRecordClosed, "append "+res.ActionID, nil)
	}
	r.results = append(r.results, res)
	return nil
}

// Tally counts one executed action of the synchronous chain.
func (r *Record) Tally(succeeded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed++
	if succeeded {
		r.succeeded++
	}
}

// AddPending registers an async action whose results will arrive later.
func (r *Record) AddPending() {
	r.mu.Lock()
	r.pending++
	r.mu.Unlock()
}

// AppendAsync adds a result produced by an async action. It reports whether
// the result arrived after the synchronous portion was completed.
func (r *Record) AppendAsync(res ActionResult) (late bool) {
	res.Async = true
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return !r.completedAt.IsZero()
}

// AsyncDone marks one pending async action finished. It reports whether
// this call settled the record, which only happens after Complete.
func (r *Record) AsyncDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending > 0 {
		r.pending--
	}
	return r.settleLocked()
}

// Complete sets the final status of the synchronous portion and returns the
// snapshot at that moment. Calling it twice returns ErrRecordClosed.
func (r *Record) Complete(status Status, errMsg string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.completedAt.IsZero() {
		return Snapshot{}, errs.Wrap(errs.ErrRecordClosed, "complete "+r.ID, nil)
	}
	r.status = status
	r.errMsg = errMsg
	r.completedAt = time.Now().UTC()
	r.settleLocked()
	return r.snapshotLocked(), nil
}

func (r *Record) settleLocked() bool {
	if r.completedAt.IsZero() || r.pending > 0 || !r.settledAt.IsZero() {
		return false
	}
	r.settledAt = time.Now().UTC()
	close(r.settled)
	return true
}

// Snapshot returns a copy of the record's current state.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Record) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:               r.ID,
		PipelineID:       r.PipelineID,
		PipelineName:     r.PipelineName,
		EventType:        r.EventType,
		Platform:         r.Platform,
		Event:            r.Event,
		StartedAt:        r.StartedAt,
		Status:           r.status,
		Error:            r.errMsg,
		ActionsExecuted:  r.executed,
		ActionsSucceeded: r.succeeded,
		Results:          append([]ActionResult(nil), r.results...),
	}
	if !r.completedAt.IsZero() {
		t := r.completedAt
		s.CompletedAt = &t
		s.DurationMs = t.Sub(r.StartedAt).Milliseconds()
	}
	if !r.settledAt.IsZero() {
		t := r.settledAt
		s.SettledAt = &t
	}
	return s
}

// Status returns the current run status.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Settled is closed once the record is complete and no async work is pending.
func (r *Record) Settled() <-chan struct{} { return r.settled }

// Wait blocks until the record settles or ctx is done.
func (r *Record) Wait(ctx context.Context) error {
	select {
	case <-r.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkFlushed signals that the synchronous snapshot has been handed to
// storage, so late results may be appended to it.
func (r *Record) MarkFlushed() { r.flush.Do(func() { close(r.flushed) }) }

// Flushed is closed by MarkFlushed.
func (r *Record) Flushed() <-chan struct{} { return r.flushed }
