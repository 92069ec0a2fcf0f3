// Package engine dispatches events against the compiled pipeline set and
// runs matched pipelines' action chains.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/handler"
	"github.com/kittynXR/maowbot-sub000/internal/history"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
	"github.com/kittynXR/maowbot-sub000/internal/metrics"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

// asyncJob is one async action handed to the background pool.
type asyncJob func(ctx context.Context)

// Engine is the pipeline executor.
type Engine struct {
	set        atomic.Pointer[pipeline.Set]
	generation atomic.Uint64
	reloadMu   sync.Mutex

	registry  *handler.Registry
	store     store.Store
	sink      *history.Sink
	eventPool *workerPool[*event.Envelope]
	asyncPool *workerPool[asyncJob]
	conf      config.EngineConf
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates an Engine and starts its worker pools. The compiled set is
// empty until the first Reload. A nil sink is replaced by one over st.
func New(reg *handler.Registry, st store.Store, sink *history.Sink, conf config.EngineConf, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = history.NewSink(st, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: reg,
		store:    st,
		sink:     sink,
		conf:     conf,
		logger:   logger.With(logging.FieldComponent, "engine"),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	e.set.Store(pipeline.EmptySet())

	// Start the async pool first so event workers can submit to it.
	e.asyncPool = newWorkerPool[asyncJob](ctx, conf.AsyncWorkers, conf.AsyncQueueDepth,
		func(ctx context.Context, job asyncJob) { job(ctx) })
	e.eventPool = newWorkerPool[*event.Envelope](ctx, conf.EventWorkers, conf.QueueDepth,
		func(ctx context.Context, ev *event.Envelope) { e.Dispatch(ctx, ev) })
	return e
}

// Registry returns the handler registry the engine compiles against.
func (e *Engine) Registry() *handler.Registry { return e.registry }

// History returns the execution log sink.
func (e *Engine) History() *history.Sink { return e.sink }

// Snapshot returns the active compiled set.
func (e *Engine) Snapshot() *pipeline.Set { return e.set.Load() }

// Submit enqueues ev for background dispatch. It never blocks and never
// reports dispatch failures; false means the event was dropped.
func (e *Engine) Submit(ev *event.Envelope) bool {
	if ev == nil {
		return false
	}
	ev.Normalize()
	if !e.eventPool.Submit(ev) {
		metrics.EventsDropped.Inc()
		e.logger.Warn("event dropped, queue full or closed",
			logging.FieldEventID, ev.ID, logging.FieldEventType, ev.Type, "queue_cap", e.eventPool.QueueCap())
		return false
	}
	metrics.EventsSubmitted.Inc()
	metrics.QueueUtilization.WithLabelValues("events").Set(e.eventPool.Utilization())
	return true
}

// QueueUtilization returns event queue used / capacity (0-1).
func (e *Engine) QueueUtilization() float64 {
	return e.eventPool.Utilization()
}

// Dispatch runs ev against the current set synchronously and returns the
// records of the pipelines that matched, in execution order.
func (e *Engine) Dispatch(ctx context.Context, ev *event.Envelope) []*execution.Record {
	ev.Normalize()
	if err := ctx.Err(); err != nil {
		e.logger.Debug("skipping event, dispatch cancelled", logging.FieldEventID, ev.ID, "err", err)
		return nil
	}
	set := e.set.Load()
	metrics.EventsProcessed.Inc()

	var records []*execution.Record
	for _, p := range set.Pipelines {
		if ctx.Err() != nil {
			break
		}
		if !e.matches(ctx, p, ev) {
			continue
		}
		metrics.PipelineMatches.WithLabelValues(p.Def.Name).Inc()
		records = append(records, e.run(ctx, p, ev))
		if p.Def.StopOnMatch {
			break
		}
	}
	return records
}

// matches evaluates the filters of p. Only required filters gate the run;
// the first required failure short-circuits.
func (e *Engine) matches(ctx context.Context, p *pipeline.Compiled, ev *event.Envelope) bool {
	for _, f := range p.Filters {
		verdict, err := applyFilter(ctx, f.Impl, ev)
		passed := false
		if err != nil {
			metrics.FilterErrors.WithLabelValues(f.Def.Type).Inc()
			e.logger.Warn("filter error, treating as fail",
				logging.FieldPipeline, p.Def.Name, "filter_type", f.Def.Type, logging.FieldEventID, ev.ID, "err", err)
		} else {
			passed = bool(verdict) != f.Def.Negated
		}
		if !f.Def.Required {
			e.logger.Debug("advisory filter evaluated",
				logging.FieldPipeline, p.Def.Name, "filter_type", f.Def.Type, "passed", passed)
			continue
		}
		if !passed {
			return false
		}
	}
	return true
}

func applyFilter(ctx context.Context, f handler.Filter, ev *event.Envelope) (v handler.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = handler.Fail, errs.Errorf(errs.ErrFilter, "apply", "panic: %v", r)
		}
	}()
	v, err = f.Apply(ctx, ev)
	if err != nil {
		return handler.Fail, errs.Wrap(errs.ErrFilter, "apply", err)
	}
	return v, nil
}

// run executes the action chain of a matched pipeline.
func (e *Engine) run(ctx context.Context, p *pipeline.Compiled, ev *event.Envelope) *execution.Record {
	rec := execution.NewRecord(p.Def.ID, p.Def.Name, ev)
	logger := e.logger.With(logging.FieldPipeline, p.Def.Name, logging.FieldExecutionID, rec.ID)

	runCtx := ctx
	if e.conf.RunTimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(e.conf.RunTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	data := execution.NewContext(rec.ID, p.Def.ID, p.Def.Name, ev)
	status := execution.StatusSuccess
	var errMsg string

	var (
		haltReason string
		haltStatus execution.ActionStatus
		prev       *execution.ActionResult
	)
	halt := func(s execution.Status, msg string, as execution.ActionStatus) {
		status, errMsg = s, msg
		haltReason, haltStatus = msg, as
	}

	for _, a := range p.Actions {
		if haltReason == "" {
			if s, msg, stopped := interrupted(ctx, runCtx); stopped {
				halt(s, msg, execution.ActionCancelled)
			}
		}
		if haltReason != "" {
			e.appendSync(rec, execution.NotRun(a.Def.ID, a.Def.Type, haltStatus, haltReason, time.Now().UTC()), logger)
			continue
		}

		view := data.ForAction(a.Def.ID, prev)
		if a.Condition != nil {
			allowed, err := a.Condition.Allow(view)
			if err != nil || !allowed {
				reason := "condition " + a.Def.ConditionType + " not met"
				if err != nil {
					reason = "condition error: " + err.Error()
				}
				skipped := execution.NotRun(a.Def.ID, a.Def.Type, execution.ActionSkipped, reason, time.Now().UTC())
				e.appendSync(rec, skipped, logger)
				metrics.ActionAttempts.WithLabelValues(a.Def.Type, string(skipped.Status)).Inc()
				prev = &skipped
				continue
			}
		}

		if a.Def.Async {
			e.dispatchAsync(rec, a, data.Fork().ForAction(a.Def.ID, prev), logger)
			prev = nil
			continue
		}

		final := e.execute(runCtx, a, view, func(res execution.ActionResult) {
			e.appendSync(rec, res, logger)
		})
		rec.Tally(final.Succeeded())
		prev = &final
		if final.Succeeded() {
			continue
		}

		if s, msg, stopped := interrupted(ctx, runCtx); stopped {
			halt(s, msg, execution.ActionCancelled)
			continue
		}
		if !a.Def.ContinueOnError || p.Def.StopOnError {
			halt(execution.StatusFailed,
				fmt.Sprintf("action %s (%s) failed after %d attempt(s): %s", a.Def.ID, a.Def.Type, final.Attempt, final.Error),
				execution.ActionAborted)
			logger.Warn("action failed, aborting pipeline",
				logging.FieldActionID, a.Def.ID, logging.FieldActionType, a.Def.Type, "err", final.Error)
			continue
		}
		logger.Warn("action failed, continuing",
			logging.FieldActionID, a.Def.ID, logging.FieldActionType, a.Def.Type, "err", final.Error)
	}

	snap, err := rec.Complete(status, errMsg)
	data.Close()
	if err != nil {
		// unreachable: only run completes its own record
		logger.Error("record completed twice", "err", err)
		return rec
	}
	e.sink.Finish(context.WithoutCancel(ctx), rec, snap)

	if status == execution.StatusSuccess {
		logger.Debug("pipeline run finished", "status", status, "duration_ms", snap.DurationMs)
	} else {
		logger.Info("pipeline run finished", "status", status, "duration_ms", snap.DurationMs, "error", errMsg)
	}
	return rec
}

// interrupted reports whether the run must stop because the dispatch was
// cancelled or the run deadline passed.
func interrupted(parent, runCtx context.Context) (execution.Status, string, bool) {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return execution.StatusTimeout, "dispatch deadline exceeded", true
		}
		return execution.StatusCancelled, "run cancelled", true
	}
	if runCtx.Err() != nil {
		return execution.StatusTimeout, "run deadline exceeded", true
	}
	return "", "", false
}

func (e *Engine) appendSync(rec *execution.Record, res execution.ActionResult, logger *slog.Logger) {
	if err := rec.Append(res); err != nil {
		logger.Error("dropping action result", logging.FieldActionID, res.ActionID, "err", err)
	}
}

// dispatchAsync hands an action to the background pool. Its results are
// appended to rec as they arrive, possibly after rec completed.
func (e *Engine) dispatchAsync(rec *execution.Record, a pipeline.CompiledAction, run *execution.Context, logger *slog.Logger) {
	rec.AddPending()
	job := asyncJob(func(ctx context.Context) {
		persistCtx := context.WithoutCancel(ctx)
		final := e.execute(ctx, a, run, func(res execution.ActionResult) {
			if rec.AppendAsync(res) {
				e.sink.Late(persistCtx, rec, res)
			}
		})
		if !final.Succeeded() {
			logger.Warn("async action failed",
				logging.FieldActionID, a.Def.ID, logging.FieldActionType, a.Def.Type, "err", final.Error)
		}
		if rec.AsyncDone() {
			e.sink.Settle(persistCtx, rec)
		}
	})
	if e.asyncPool.Submit(job) {
		metrics.QueueUtilization.WithLabelValues("async").Set(e.asyncPool.Utilization())
		return
	}

	now := time.Now().UTC()
	res := execution.ActionResult{
		ActionID:    a.Def.ID,
		ActionType:  a.Def.Type,
		Attempt:     1,
		Status:      execution.ActionFailed,
		Error:       errs.Wrap(errs.ErrQueueFull, "async dispatch", nil).Error(),
		StartedAt:   now,
		CompletedAt: now,
	}
	rec.AppendAsync(res)
	rec.AsyncDone()
	metrics.ActionAttempts.WithLabelValues(a.Def.Type, string(res.Status)).Inc()
	logger.Warn("async action rejected, queue full", logging.FieldActionID, a.Def.ID)
}

// execute runs up to 1+retry_count attempts, reporting each through emit,
// and returns the final one.
func (e *Engine) execute(ctx context.Context, a pipeline.CompiledAction, run *execution.Context, emit func(execution.ActionResult)) execution.ActionResult {
	attempts := a.Def.Attempts()
	var res execution.ActionResult
	for n := 1; n <= attempts; n++ {
		res = attempt(ctx, a, run, n)
		emit(res)
		metrics.ActionAttempts.WithLabelValues(a.Def.Type, string(res.Status)).Inc()
		if res.Status == execution.ActionSuccess || res.Status == execution.ActionCancelled || ctx.Err() != nil {
			return res
		}
		if n == attempts {
			break
		}
		e.logger.Debug("retrying action",
			logging.FieldActionID, a.Def.ID, logging.FieldAttempt, n, "delay_ms", a.Def.RetryDelayMs, "err", res.Error)
		if d := a.Def.RetryDelay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return res
			}
		}
	}
	return res
}

type outcome struct {
	out handler.Output
	err error
}

// attempt runs one attempt bounded by the action's timeout. A handler that
// ignores its context is abandoned when the deadline passes.
func attempt(ctx context.Context, a pipeline.CompiledAction, run *execution.Context, n int) execution.ActionResult {
	res := execution.ActionResult{
		ActionID:   a.Def.ID,
		ActionType: a.Def.Type,
		Attempt:    n,
		StartedAt:  time.Now().UTC(),
	}
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if t := a.Def.Timeout(); t > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := a.Impl.Execute(attemptCtx, run)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		res.Output = o.out
		switch {
		case o.err == nil:
			res.Status = execution.ActionSuccess
		case attemptCtx.Err() != nil:
			res.Status, res.Error = deadlineStatus(ctx, a, n)
		default:
			res.Status = execution.ActionFailed
			res.Error = errs.Wrap(errs.ErrAction, fmt.Sprintf("attempt %d", n), o.err).Error()
		}
	case <-attemptCtx.Done():
		res.Status, res.Error = deadlineStatus(ctx, a, n)
	}

	res.CompletedAt = time.Now().UTC()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	return res
}

func deadlineStatus(parent context.Context, a pipeline.CompiledAction, n int) (execution.ActionStatus, string) {
	op := fmt.Sprintf("attempt %d", n)
	switch err := parent.Err(); {
	case errors.Is(err, context.Canceled):
		return execution.ActionCancelled, errs.Wrap(errs.ErrContextClosed, op, err).Error()
	case err != nil:
		return execution.ActionTimeout, errs.Errorf(errs.ErrTimeout, op, "run deadline exceeded").Error()
	}
	return execution.ActionTimeout, errs.Errorf(errs.ErrTimeout, op, "no result after %s", a.Def.Timeout()).Error()
}

// Shutdown stops accepting events, lets queued events finish, then drains
// async work. If ctx expires first, in-flight runs are cancelled: their
// remaining actions are marked Cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.eventPool.Drain()
		e.asyncPool.Drain()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}
