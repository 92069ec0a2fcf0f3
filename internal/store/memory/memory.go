// Package memory is an in-process store backend for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

// Store keeps pipelines and history in maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	pipelines  map[string]pipeline.Pipeline
	executions map[string]*execution.Snapshot
	order      []string // execution ids in insertion order

	// FailLoads makes LoadEnabledPipelines fail, for reload tests.
	FailLoads error
	// FailAppends makes AppendExecutionRecord fail.
	FailAppends error
}

var (
	_ store.Backend = (*Store)(nil)
	_ store.Settler = (*Store)(nil)
)

// New creates an empty store, optionally seeded with pipelines.
func New(seed ...pipeline.Pipeline) *Store {
	s := &Store{
		pipelines:  make(map[string]pipeline.Pipeline),
		executions: make(map[string]*execution.Snapshot),
	}
	for _, p := range seed {
		_, _ = s.SavePipeline(context.Background(), p)
	}
	return s
}

func (s *Store) LoadEnabledPipelines(ctx context.Context) ([]pipeline.Pipeline, error) {
	return s.list(ctx, true)
}

func (s *Store) ListPipelines(ctx context.Context, enabledOnly bool) ([]pipeline.Pipeline, error) {
	return s.list(ctx, enabledOnly)
}

func (s *Store) list(ctx context.Context, enabledOnly bool) ([]pipeline.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.ErrStorage, "load pipelines", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailLoads != nil {
		return nil, errs.Wrap(errs.ErrStorage, "load pipelines", s.FailLoads)
	}
	out := make([]pipeline.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, clonePipeline(p))
	}
	pipeline.SortPipelines(out)
	return out, nil
}

func (s *Store) SavePipeline(_ context.Context, p pipeline.Pipeline) (string, error) {
	if p.Name == "" {
		return "", errs.Errorf(errs.ErrConfig, "save pipeline", "name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, existing := range s.pipelines {
		if existing.Name == p.Name {
			p.ID = id
			p.Stats = existing.Stats
			p.CreatedAt = existing.CreatedAt
			break
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	stamp(&p, now)
	s.pipelines[p.ID] = clonePipeline(p)
	return p.ID, nil
}

func (s *Store) DeletePipeline(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return errs.Errorf(errs.ErrNotFound, "delete pipeline", "%s", id)
	}
	if p.IsSystem {
		return errs.Errorf(errs.ErrConfig, "delete pipeline", "%q is a system pipeline", p.Name)
	}
	delete(s.pipelines, id)
	return nil
}

func (s *Store) AppendExecutionRecord(_ context.Context, rec execution.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppends != nil {
		return errs.Wrap(errs.ErrStorage, "append execution", s.FailAppends)
	}
	if _, exists := s.executions[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	cp := rec
	cp.Results = append([]execution.ActionResult(nil), rec.Results...)
	s.executions[rec.ID] = &cp
	return nil
}

func (s *Store) AppendActionResult(_ context.Context, executionID string, res execution.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[executionID]
	if !ok {
		return errs.Errorf(errs.ErrNotFound, "append action result", "execution %s", executionID)
	}
	rec.Results = append(rec.Results, res)
	return nil
}

func (s *Store) MarkSettled(_ context.Context, executionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[executionID]
	if !ok {
		return errs.Errorf(errs.ErrNotFound, "mark settled", "execution %s", executionID)
	}
	t := at.UTC()
	rec.SettledAt = &t
	return nil
}

func (s *Store) UpdateStatistics(_ context.Context, pipelineID string, succeeded bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[pipelineID]
	if !ok {
		return errs.Errorf(errs.ErrNotFound, "update statistics", "pipeline %s", pipelineID)
	}
	p.Stats.ExecutionCount++
	if succeeded {
		p.Stats.SuccessCount++
	}
	t := at.UTC()
	p.Stats.LastExecuted = &t
	s.pipelines[pipelineID] = p
	return nil
}

func (s *Store) ListExecutions(_ context.Context, q store.ExecutionQuery) ([]execution.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execution.Snapshot
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.executions[s.order[i]]
		if rec == nil || !q.Match(*rec) {
			continue
		}
		out = append(out, cloneSnapshot(*rec))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetExecution(_ context.Context, id string) (execution.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[id]
	if !ok {
		return execution.Snapshot{}, errs.Errorf(errs.ErrNotFound, "get execution", "%s", id)
	}
	return cloneSnapshot(*rec), nil
}

func (s *Store) PruneExecutions(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.order[:0]
	for _, id := range s.order {
		if rec := s.executions[id]; rec != nil && rec.StartedAt.Before(cutoff) {
			delete(s.executions, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return n, nil
}

func (s *Store) Close() error { return nil }

// stamp assigns ids and creation times to filters and actions that lack them.
func stamp(p *pipeline.Pipeline, now time.Time) {
	for i := range p.Filters {
		if p.Filters[i].ID == "" {
			p.Filters[i].ID = uuid.NewString()
		}
		if p.Filters[i].CreatedAt.IsZero() {
			p.Filters[i].CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
	}
	for i := range p.Actions {
		if p.Actions[i].ID == "" {
			p.Actions[i].ID = uuid.NewString()
		}
		if p.Actions[i].CreatedAt.IsZero() {
			p.Actions[i].CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
	}
}

func clonePipeline(p pipeline.Pipeline) pipeline.Pipeline {
	p.Filters = append([]pipeline.Filter(nil), p.Filters...)
	p.Actions = append([]pipeline.Action(nil), p.Actions...)
	p.Tags = append([]string(nil), p.Tags...)
	pipeline.SortFilters(p.Filters)
	pipeline.SortActions(p.Actions)
	return p
}

func cloneSnapshot(s execution.Snapshot) execution.Snapshot {
	s.Results = append([]execution.ActionResult(nil), s.Results...)
	return s
}
