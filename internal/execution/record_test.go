package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittynXR/maowbot-sub000/internal/errs"
)

func TestRecord_SyncCompletion(t *testing.T) {
	r := NewRecord("p1", "greeter", chatEvent())
	assert.Equal(t, StatusRunning, r.Status())
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "twitch.chat.message", r.EventType)

	require.NoError(t, r.Append(ActionResult{ActionID: "a1", Attempt: 1, Status: ActionSuccess}))
	r.Tally(true)

	snap, err := r.Complete(StatusSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, snap.Status)
	require.NotNil(t, snap.CompletedAt)
	require.NotNil(t, snap.SettledAt, "no async work so the record settles immediately")
	assert.Equal(t, 1, snap.ActionsExecuted)
	assert.Equal(t, 1, snap.ActionsSucceeded)
	assert.Len(t, snap.Results, 1)

	assert.ErrorIs(t, r.Append(ActionResult{ActionID: "a2"}), errs.ErrRecordClosed)
	_, err = r.Complete(StatusFailed, "again")
	assert.ErrorIs(t, err, errs.ErrRecordClosed)

	select {
	case <-r.Settled():
	default:
		t.Fatal("record should be settled")
	}
}

func TestRecord_LateAsyncAppend(t *testing.T) {
	r := NewRecord("p1", "greeter", chatEvent())
	require.NoError(t, r.Append(ActionResult{ActionID: "a1", Attempt: 1, Status: ActionSuccess}))
	r.AddPending()

	snap, err := r.Complete(StatusSuccess, "")
	require.NoError(t, err)
	assert.Nil(t, snap.SettledAt)
	assert.Len(t, snap.Results, 1)

	late := r.AppendAsync(ActionResult{ActionID: "a3", Attempt: 1, Status: ActionSuccess})
	assert.True(t, late)
	assert.True(t, r.AsyncDone(), "last async result settles a completed record")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))

	full := r.Snapshot()
	require.Len(t, full.Results, 2)
	assert.True(t, full.Results[1].Async)
	require.NotNil(t, full.SettledAt)
	assert.False(t, full.SettledAt.Before(*full.CompletedAt))
	assert.Equal(t, *snap.CompletedAt, *full.CompletedAt, "sync watermark does not move")
	assert.Equal(t, StatusSuccess, full.Status)
}

func TestRecord_AsyncBeforeCompletionIsNotLate(t *testing.T) {
	r := NewRecord("p1", "greeter", chatEvent())
	r.AddPending()
	assert.False(t, r.AppendAsync(ActionResult{ActionID: "a1", Status: ActionSuccess}))
	assert.False(t, r.AsyncDone(), "cannot settle before completion")

	snap, err := r.Complete(StatusSuccess, "")
	require.NoError(t, err)
	assert.Len(t, snap.Results, 1)
	assert.NotNil(t, snap.SettledAt)
}

func TestRecord_WaitHonoursContext(t *testing.T) {
	r := NewRecord("p1", "greeter", chatEvent())
	r.AddPending()
	_, err := r.Complete(StatusSuccess, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)
}

func TestRecord_MarkFlushedIdempotent(t *testing.T) {
	r := NewRecord("p1", "greeter", chatEvent())
	r.MarkFlushed()
	r.MarkFlushed()
	select {
	case <-r.Flushed():
	default:
		t.Fatal("flushed channel should be closed")
	}
}
