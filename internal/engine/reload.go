package engine

import (
	"context"
	"errors"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
	"github.com/kittynXR/maowbot-sub000/internal/metrics"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
)

// ReloadReport summarizes one Reload.
type ReloadReport struct {
	Generation uint64               `json:"generation"`
	Pipelines  int                  `json:"pipelines"`
	Rejected   []pipeline.Rejection `json:"rejected"`
	Changed    bool                 `json:"changed"`
	DurationMs int64                `json:"duration_ms"`
}

// Reload re-reads enabled pipelines from the store, compiles a new set and
// swaps it in atomically. Runs already in flight keep the set they started
// with. On a storage failure the previous set stays active.
func (e *Engine) Reload(ctx context.Context) (ReloadReport, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	start := time.Now()
	prev := e.set.Load()

	defs, err := e.store.LoadEnabledPipelines(ctx)
	if err != nil {
		metrics.Reloads.WithLabelValues("error").Inc()
		if !errors.Is(err, errs.ErrStorage) {
			err = errs.Wrap(errs.ErrStorage, "reload", err)
		}
		e.logger.Error("reload failed, keeping previous pipeline set",
			"generation", prev.Generation, "err", err)
		return ReloadReport{Generation: prev.Generation, Pipelines: prev.Len(), Rejected: prev.Rejected}, err
	}

	next := pipeline.Build(defs, e.registry, e.generation.Add(1))
	for _, r := range next.Rejected {
		e.logger.Error("pipeline excluded from set",
			logging.FieldPipeline, r.Name, logging.FieldPipelineID, r.PipelineID, "err", r.Reason)
	}
	e.set.Store(next)

	report := ReloadReport{
		Generation: next.Generation,
		Pipelines:  next.Len(),
		Rejected:   next.Rejected,
		Changed:    !prev.Equivalent(next),
		DurationMs: time.Since(start).Milliseconds(),
	}
	metrics.Reloads.WithLabelValues("ok").Inc()
	metrics.CompiledPipelines.Set(float64(next.Len()))
	metrics.RejectedPipelines.Set(float64(len(next.Rejected)))
	e.logger.Info("pipeline set reloaded",
		"generation", report.Generation, "pipelines", report.Pipelines,
		"rejected", len(report.Rejected), "changed", report.Changed)
	return report, nil
}

// Validate dry-runs compilation of p against the registry.
func (e *Engine) Validate(p pipeline.Pipeline) error {
	return pipeline.Validate(p, e.registry)
}
