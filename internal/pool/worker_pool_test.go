package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsJobs(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 16})
	defer p.Close()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(20), count.Load())
	assert.Equal(t, int64(20), p.Stats().Completed)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 32})
	defer p.Close()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.SubmitWait(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestWorkerPool_SubmitFullQueue(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		<-release
	}))

	// Fill the single queue slot, possibly racing the worker pickup.
	var errFull bool
	for i := 0; i < 3; i++ {
		if err := p.Submit(context.Background(), func(ctx context.Context) { <-release }); err != nil {
			assert.ErrorIs(t, err, ErrPoolFull)
			errFull = true
			break
		}
	}
	assert.True(t, errFull)
	close(release)
}

func TestWorkerPool_ClosedRejects(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})
	p.Close()

	err := p.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	var caught atomic.Value
	p := New(Config{Workers: 1, QueueSize: 4, PanicHandler: func(r any) { caught.Store(r) }})
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		defer close(done)
		panic("job exploded")
	}))
	<-done

	// Pool still serves jobs after a panic.
	var ran atomic.Bool
	done2 := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		ran.Store(true)
		close(done2)
	}))
	<-done2

	assert.Equal(t, "job exploded", caught.Load())
	assert.True(t, ran.Load())
}
