// Package storetest is a behavioural suite every store backend must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
	"github.com/kittynXR/maowbot-sub000/internal/event"
	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/pipeline"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

// Factory returns a fresh, empty backend.
type Factory func(t *testing.T) store.Backend

// Run executes the suite against backends built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveAndLoad", func(t *testing.T) { testSaveAndLoad(t, newStore(t)) })
	t.Run("SaveIsUpsertByName", func(t *testing.T) { testUpsert(t, newStore(t)) })
	t.Run("DeleteRefusesSystem", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Statistics", func(t *testing.T) { testStatistics(t, newStore(t)) })
	t.Run("ConcurrentStatistics", func(t *testing.T) { testConcurrentStatistics(t, newStore(t)) })
	t.Run("ExecutionsAndLateResults", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("QueryAndPrune", func(t *testing.T) { testQueryAndPrune(t, newStore(t)) })
}

// Greeter is a representative pipeline with two filters and two actions.
func Greeter() pipeline.Pipeline {
	return pipeline.Pipeline{
		Name:        "greeter",
		Description: "say hi",
		Enabled:     true,
		Priority:    10,
		StopOnMatch: true,
		Tags:        []string{"chat"},
		Metadata:    map[string]interface{}{"owner": "kitty"},
		Filters: []pipeline.Filter{
			{Type: "message_pattern_filter", Config: map[string]interface{}{"patterns": []interface{}{"^!hi"}}, Order: 1, Required: true},
			{Type: "platform_filter", Config: map[string]interface{}{"platforms": []interface{}{"twitch"}}, Order: 0, Required: true, Negated: true},
		},
		Actions: []pipeline.Action{
			{Type: "log_action", Order: 1, ContinueOnError: true, TimeoutMs: 500, RetryCount: 2, RetryDelayMs: 10,
				ConditionType: "expression", ConditionConfig: map[string]interface{}{"expression": "data.x exists"}},
			{Type: "set_data", Config: map[string]interface{}{"key": "x", "value": "y"}, Order: 0, Async: true},
		},
	}
}

func testSaveAndLoad(t *testing.T, s store.Backend) {
	ctx := context.Background()
	id, err := s.SavePipeline(ctx, Greeter())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	off := Greeter()
	off.Name = "disabled"
	off.Enabled = false
	_, err = s.SavePipeline(ctx, off)
	require.NoError(t, err)

	loaded, err := s.LoadEnabledPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	p := loaded[0]
	assert.Equal(t, id, p.ID)
	assert.Equal(t, "greeter", p.Name)
	assert.Equal(t, 10, p.Priority)
	assert.True(t, p.StopOnMatch)
	assert.Equal(t, []string{"chat"}, p.Tags)
	assert.Equal(t, "kitty", p.Metadata["owner"])

	require.Len(t, p.Filters, 2)
	assert.Equal(t, "platform_filter", p.Filters[0].Type, "filters come back sorted by order")
	assert.True(t, p.Filters[0].Negated)
	assert.NotEmpty(t, p.Filters[0].ID)

	require.Len(t, p.Actions, 2)
	assert.Equal(t, "set_data", p.Actions[0].Type)
	assert.True(t, p.Actions[0].Async)
	assert.Equal(t, "y", p.Actions[0].Config["value"])
	a := p.Actions[1]
	assert.Equal(t, 500, a.TimeoutMs)
	assert.Equal(t, 2, a.RetryCount)
	assert.Equal(t, 10, a.RetryDelayMs)
	assert.True(t, a.ContinueOnError)
	assert.Equal(t, "expression", a.ConditionType)
	assert.Equal(t, "data.x exists", a.ConditionConfig["expression"])

	all, err := s.ListPipelines(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testUpsert(t *testing.T, s store.Backend) {
	ctx := context.Background()
	id, err := s.SavePipeline(ctx, Greeter())
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatistics(ctx, id, true, time.Now()))

	changed := Greeter()
	changed.Priority = 1
	changed.Actions = changed.Actions[:1]
	id2, err := s.SavePipeline(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	loaded, err := s.LoadEnabledPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 1, loaded[0].Priority)
	assert.Len(t, loaded[0].Actions, 1)
	assert.Equal(t, int64(1), loaded[0].Stats.ExecutionCount, "statistics survive an edit")

	_, err = s.SavePipeline(ctx, pipeline.Pipeline{})
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func testDelete(t *testing.T, s store.Backend) {
	ctx := context.Background()
	sys := Greeter()
	sys.Name = "system"
	sys.IsSystem = true
	sysID, err := s.SavePipeline(ctx, sys)
	require.NoError(t, err)
	id, err := s.SavePipeline(ctx, Greeter())
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeletePipeline(ctx, sysID), errs.ErrConfig)
	require.NoError(t, s.DeletePipeline(ctx, id))
	assert.ErrorIs(t, s.DeletePipeline(ctx, id), errs.ErrNotFound)

	all, err := s.ListPipelines(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "system", all[0].Name)
}

func testStatistics(t *testing.T, s store.Backend) {
	ctx := context.Background()
	id, err := s.SavePipeline(ctx, Greeter())
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateStatistics(ctx, id, true, at))
	require.NoError(t, s.UpdateStatistics(ctx, id, false, at.Add(time.Minute)))

	loaded, err := s.LoadEnabledPipelines(ctx)
	require.NoError(t, err)
	st := loaded[0].Stats
	assert.Equal(t, int64(2), st.ExecutionCount)
	assert.Equal(t, int64(1), st.SuccessCount)
	require.NotNil(t, st.LastExecuted)
	assert.True(t, st.LastExecuted.Equal(at.Add(time.Minute)))
	assert.InDelta(t, 50.0, st.SuccessRate(), 0.001)

	assert.ErrorIs(t, s.UpdateStatistics(ctx, "missing", true, at), errs.ErrNotFound)
}

func testConcurrentStatistics(t *testing.T, s store.Backend) {
	ctx := context.Background()
	id, err := s.SavePipeline(ctx, Greeter())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.UpdateStatistics(ctx, id, i%2 == 0, time.Now()))
		}(i)
	}
	wg.Wait()

	loaded, err := s.LoadEnabledPipelines(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), loaded[0].Stats.ExecutionCount)
	assert.Equal(t, int64(10), loaded[0].Stats.SuccessCount)
}

// Snapshot completes a record with the given results and returns its snapshot.
func Snapshot(t *testing.T, pipelineID string, status execution.Status, results ...execution.ActionResult) execution.Snapshot {
	t.Helper()
	ev := event.New("twitch.chat.message", "twitch", map[string]interface{}{"text": "!hi"})
	rec := execution.NewRecord(pipelineID, "greeter", ev)
	for _, r := range results {
		require.NoError(t, rec.Append(r))
		rec.Tally(r.Status == execution.ActionSuccess)
	}
	snap, err := rec.Complete(status, "")
	require.NoError(t, err)
	return snap
}

func result(id string, status execution.ActionStatus) execution.ActionResult {
	now := time.Now().UTC()
	return execution.ActionResult{
		ActionID: id, ActionType: "log_action", Attempt: 1, Status: status,
		Output: map[string]interface{}{"ok": status == execution.ActionSuccess},
		StartedAt: now, CompletedAt: now.Add(time.Millisecond), DurationMs: 1,
	}
}

func testExecutions(t *testing.T, s store.Backend) {
	ctx := context.Background()
	snap := Snapshot(t, "p1", execution.StatusSuccess, result("a1", execution.ActionSuccess))

	require.NoError(t, s.AppendExecutionRecord(ctx, snap))
	require.NoError(t, s.AppendExecutionRecord(ctx, snap), "re-append is idempotent")

	late := result("a2", execution.ActionSuccess)
	late.Async = true
	require.NoError(t, s.AppendActionResult(ctx, snap.ID, late))
	assert.ErrorIs(t, s.AppendActionResult(ctx, "missing", late), errs.ErrNotFound)

	if settler, ok := s.(store.Settler); ok {
		require.NoError(t, settler.MarkSettled(ctx, snap.ID, time.Now()))
	}

	got, err := s.GetExecution(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, "twitch.chat.message", got.EventType)
	assert.Equal(t, 1, got.ActionsExecuted)
	assert.Equal(t, 1, got.ActionsSucceeded)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "a1", got.Results[0].ActionID)
	assert.Equal(t, true, got.Results[0].Output["ok"])
	assert.Equal(t, "a2", got.Results[1].ActionID)
	assert.True(t, got.Results[1].Async)
	assert.Equal(t, "twitch.chat.message", got.Event["event_type"])

	_, err = s.GetExecution(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testQueryAndPrune(t *testing.T, s store.Backend) {
	ctx := context.Background()
	ok1 := Snapshot(t, "p1", execution.StatusSuccess)
	time.Sleep(2 * time.Millisecond)
	failed := Snapshot(t, "p1", execution.StatusFailed)
	time.Sleep(2 * time.Millisecond)
	other := Snapshot(t, "p2", execution.StatusSuccess)
	for _, snap := range []execution.Snapshot{ok1, failed, other} {
		require.NoError(t, s.AppendExecutionRecord(ctx, snap))
	}

	all, err := s.ListExecutions(ctx, store.ExecutionQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, other.ID, all[0].ID, "newest first")

	byPipeline, err := s.ListExecutions(ctx, store.ExecutionQuery{PipelineID: "p1"})
	require.NoError(t, err)
	assert.Len(t, byPipeline, 2)

	byStatus, err := s.ListExecutions(ctx, store.ExecutionQuery{Status: execution.StatusFailed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, failed.ID, byStatus[0].ID)

	since, err := s.ListExecutions(ctx, store.ExecutionQuery{Since: failed.StartedAt})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := s.ListExecutions(ctx, store.ExecutionQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := s.PruneExecutions(ctx, failed.StartedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.GetExecution(ctx, ok1.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
