package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_DrainRunsQueuedJobs(t *testing.T) {
	var sum atomic.Int64
	p := newWorkerPool[int](context.Background(), 3, 100, func(_ context.Context, n int) {
		sum.Add(int64(n))
	})
	for i := 1; i <= 100; i++ {
		assert.True(t, p.Submit(i))
	}
	p.Drain()
	p.Drain()

	assert.EqualValues(t, 5050, sum.Load())
	assert.False(t, p.Submit(1))
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, 100, p.QueueCap())
}

func TestWorkerPool_SubmitNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	p := newWorkerPool[int](context.Background(), 1, 2, func(context.Context, int) { <-block })

	accepted := 0
	for i := 0; i < 10; i++ {
		if p.Submit(i) {
			accepted++
		}
	}
	// one job in the worker, two queued
	assert.LessOrEqual(t, accepted, 3)
	assert.GreaterOrEqual(t, accepted, 2)

	close(block)
	p.Drain()
}
