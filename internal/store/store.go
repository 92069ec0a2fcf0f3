// Package store defines the persistence boundary of the pipeline engine.
// The engine only needs Store; Reader and Writer serve the management and
// observability surfaces.
package store

import (
	"context"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
)

// Store is what the executor reads pipelines from and writes history to.
type Store interface {
	// LoadEnabledPipelines returns enabled pipelines with nested filters and
	// actions, each list sorted by its order.
	LoadEnabledPipelines(ctx context.Context) ([]pipeline.Pipeline, error)
	// AppendExecutionRecord upserts the synchronous portion of a run.
	AppendExecutionRecord(ctx context.Context, rec execution.Snapshot) error
	// AppendActionResult attaches a late async result to a stored run.
	AppendActionResult(ctx context.Context, executionID string, res execution.ActionResult) error
	// UpdateStatistics atomically increments execution_count, success_count
	// when succeeded, and sets last_executed.
	UpdateStatistics(ctx context.Context, pipelineID string, succeeded bool, at time.Time) error
}

// ExecutionQuery filters ListExecutions. Zero fields do not filter.
type ExecutionQuery struct {
	PipelineID string
	Status     execution.Status
	Since      time.Time
	Until      time.Time
	Limit      int
}

// DefaultQueryLimit caps ListExecutions when no limit is given.
const DefaultQueryLimit = 100

// EffectiveLimit returns the limit to apply.
func (q ExecutionQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// Match reports whether rec satisfies the query filters (limit aside).
func (q ExecutionQuery) Match(rec execution.Snapshot) bool {
	if q.PipelineID != "" && rec.PipelineID != q.PipelineID {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	if !q.Since.IsZero() && rec.StartedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !rec.StartedAt.Before(q.Until) {
		return false
	}
	return true
}

// Reader serves execution history and pipeline listings.
type Reader interface {
	// ListExecutions returns matching runs, newest first.
	ListExecutions(ctx context.Context, q ExecutionQuery) ([]execution.Snapshot, error)
	GetExecution(ctx context.Context, id string) (execution.Snapshot, error)
	ListPipelines(ctx context.Context, enabledOnly bool) ([]pipeline.Pipeline, error)
}

// Writer edits pipeline definitions and prunes history.
type Writer interface {
	// SavePipeline inserts or replaces a pipeline by name. Filters and
	// actions are replaced; statistics are preserved. It returns the id.
	SavePipeline(ctx context.Context, p pipeline.Pipeline) (string, error)
	// DeletePipeline removes a pipeline; system pipelines are refused.
	DeletePipeline(ctx context.Context, id string) error
	// PruneExecutions deletes runs started before cutoff.
	PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Backend is a complete storage implementation.
type Backend interface {
	Store
	Reader
	Writer
	Close() error
}

// Settler is implemented by stores that persist the settled watermark of a
// run once its async actions have finished.
type Settler interface {
	MarkSettled(ctx context.Context, executionID string, at time.Time) error
}
