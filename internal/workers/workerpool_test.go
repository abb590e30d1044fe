package workers

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	wp := NewWorkerPool(4, 16)
	defer wp.Stop()

	var done atomic.Int32
	for i := 0; i < 16; i++ {
		require.True(t, wp.AddJob(func() { done.Add(1) }))
	}
	wp.Wait()
	assert.Equal(t, int32(16), done.Load())
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	defer wp.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, wp.AddJob(func() {
		close(started)
		<-release
	}))
	<-started

	// the single worker is busy: one job fits in the queue, the next does not
	require.True(t, wp.AddJob(func() {}))
	assert.False(t, wp.AddJob(func() {}))
	assert.Equal(t, 1, wp.Pending())
	assert.Equal(t, 1, wp.Running())

	close(release)
	wp.Wait()
	assert.Equal(t, 0, wp.Pending())
}

func TestWorkerPoolStop(t *testing.T) {
	wp := NewWorkerPool(2, 8)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		wp.AddJob(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	wp.Stop()
	wp.Stop() // idempotent

	assert.Equal(t, 5, ran)
	assert.False(t, wp.AddJob(func() {}))
}
