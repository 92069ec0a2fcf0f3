// Package history persists finished runs and keeps live statistics.
package history

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/metrics"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

// PipelineStats are live counters for one pipeline since process start.
type PipelineStats struct {
	PipelineID      string     `json:"pipeline_id"`
	PipelineName    string     `json:"pipeline_name"`
	Runs            int64      `json:"runs"`
	Succeeded       int64      `json:"succeeded"`
	Failed          int64      `json:"failed"`
	TimedOut        int64      `json:"timed_out"`
	Cancelled       int64      `json:"cancelled"`
	TotalDurationMs int64      `json:"total_duration_ms"`
	LastRun         *time.Time `json:"last_run,omitempty"`
}

// AvgDurationMs is the mean synchronous duration.
func (p PipelineStats) AvgDurationMs() float64 {
	if p.Runs == 0 {
		return 0
	}
	return float64(p.TotalDurationMs) / float64(p.Runs)
}

// SuccessRate is the percentage of successful runs.
func (p PipelineStats) SuccessRate() float64 {
	if p.Runs == 0 {
		return 0
	}
	return float64(p.Succeeded) / float64(p.Runs) * 100
}

// Stats is an aggregate view of the sink's counters.
type Stats struct {
	Runs            int64           `json:"runs"`
	Succeeded       int64           `json:"succeeded"`
	Failed          int64           `json:"failed"`
	TimedOut        int64           `json:"timed_out"`
	Cancelled       int64           `json:"cancelled"`
	LateResults     int64           `json:"late_results"`
	PersistFailures int64           `json:"persist_failures"`
	Pipelines       []PipelineStats `json:"pipelines"`
}

// Sink writes finished runs to the store. Storage failures are logged and
// counted; they never propagate to the dispatcher.
type Sink struct {
	store  store.Store
	logger *slog.Logger

	lateResults     atomic.Int64
	persistFailures atomic.Int64

	mu        sync.Mutex
	pipelines map[string]*PipelineStats
}

// NewSink creates a sink over st.
func NewSink(st store.Store, logger *slog.Logger) *Sink {
	return &Sink{
		store:     st,
		logger:    logger.With("component", "history"),
		pipelines: make(map[string]*PipelineStats),
	}
}

// Finish persists the synchronous snapshot of rec, then updates statistics.
// It marks rec flushed whether or not the write succeeded so late results
// are never blocked on a failed write.
func (s *Sink) Finish(ctx context.Context, rec *execution.Record, snap execution.Snapshot) {
	if err := s.store.AppendExecutionRecord(ctx, snap); err != nil {
		s.persistFailures.Add(1)
		metrics.PersistFailures.Inc()
		s.logger.Error("failed to append execution record",
			"execution_id", snap.ID, "pipeline", snap.PipelineName, "err", err)
	}
	rec.MarkFlushed()

	at := time.Now().UTC()
	if snap.CompletedAt != nil {
		at = *snap.CompletedAt
	}
	succeeded := snap.Status == execution.StatusSuccess
	if err := s.store.UpdateStatistics(ctx, snap.PipelineID, succeeded, at); err != nil {
		s.persistFailures.Add(1)
		metrics.PersistFailures.Inc()
		s.logger.Error("failed to update pipeline statistics",
			"pipeline_id", snap.PipelineID, "err", err)
	}

	s.observe(snap, at)
	metrics.Runs.WithLabelValues(string(snap.Status)).Inc()
	metrics.RunDuration.Observe(float64(snap.DurationMs))
}

// Late persists an async result that arrived after rec completed. It waits
// until the synchronous snapshot has been written.
func (s *Sink) Late(ctx context.Context, rec *execution.Record, res execution.ActionResult) {
	select {
	case <-rec.Flushed():
	case <-ctx.Done():
		s.logger.Warn("dropping late action result", "execution_id", rec.ID, "action_id", res.ActionID, "err", ctx.Err())
		return
	}
	s.lateResults.Add(1)
	metrics.LateResults.Inc()
	if err := s.store.AppendActionResult(ctx, rec.ID, res); err != nil {
		s.persistFailures.Add(1)
		metrics.PersistFailures.Inc()
		s.logger.Error("failed to append late action result",
			"execution_id", rec.ID, "action_id", res.ActionID, "err", err)
	}
}

// Settle records the fully-complete watermark once rec has settled.
func (s *Sink) Settle(ctx context.Context, rec *execution.Record) {
	settler, ok := s.store.(store.Settler)
	if !ok {
		return
	}
	snap := rec.Snapshot()
	if snap.SettledAt == nil {
		return
	}
	select {
	case <-rec.Flushed():
	case <-ctx.Done():
		return
	}
	if err := settler.MarkSettled(ctx, rec.ID, *snap.SettledAt); err != nil {
		s.logger.Warn("failed to mark execution settled", "execution_id", rec.ID, "err", err)
	}
}

func (s *Sink) observe(snap execution.Snapshot, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.pipelines[snap.PipelineID]
	if !ok {
		ps = &PipelineStats{PipelineID: snap.PipelineID}
		s.pipelines[snap.PipelineID] = ps
	}
	ps.PipelineName = snap.PipelineName
	ps.Runs++
	ps.TotalDurationMs += snap.DurationMs
	switch snap.Status {
	case execution.StatusSuccess:
		ps.Succeeded++
	case execution.StatusFailed:
		ps.Failed++
	case execution.StatusTimeout:
		ps.TimedOut++
	case execution.StatusCancelled:
		ps.Cancelled++
	}
	t := at
	ps.LastRun = &t
}

// Stats returns a copy of the live counters, pipelines sorted by name.
func (s *Sink) Stats() Stats {
	out := Stats{
		LateResults:     s.lateResults.Load(),
		PersistFailures: s.persistFailures.Load(),
	}
	s.mu.Lock()
	for _, ps := range s.pipelines {
		cp := *ps
		out.Pipelines = append(out.Pipelines, cp)
		out.Runs += ps.Runs
		out.Succeeded += ps.Succeeded
		out.Failed += ps.Failed
		out.TimedOut += ps.TimedOut
		out.Cancelled += ps.Cancelled
	}
	s.mu.Unlock()
	sort.Slice(out.Pipelines, func(i, j int) bool { return out.Pipelines[i].PipelineName < out.Pipelines[j].PipelineName })
	return out
}

// Pipeline returns the live counters for one pipeline.
func (s *Sink) Pipeline(id string) (PipelineStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.pipelines[id]
	if !ok {
		return PipelineStats{}, false
	}
	return *ps, true
}
