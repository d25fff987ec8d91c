package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_Do(t *testing.T) {
	cq := New()
	defer cq.Close()

	executed := false
	err := cq.Do(context.Background(), "s1", func(ctx context.Context) error {
		executed = true
		return nil
	})

	assert.NoError(t, err)
	assert.True(t, executed)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expectedErr := errors.New("task failed")
	err := cq.Do(context.Background(), "s1", func(ctx context.Context) error {
		return expectedErr
	})

	assert.ErrorIs(t, err, expectedErr)
}

func TestCommandQueue_PanicBecomesError(t *testing.T) {
	cq := New()
	defer cq.Close()

	err := cq.Do(context.Background(), "s1", func(ctx context.Context) error {
		panic("bad state")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad state")

	assert.NoError(t, cq.Do(context.Background(), "s1", func(ctx context.Context) error { return nil }))
}

func TestCommandQueue_GoReturnsBeforeTaskRuns(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	first := make(chan error, 1)
	require.NoError(t, cq.Go(context.Background(), "s1", func(ctx context.Context) error {
		<-release
		return nil
	}, func(err error) { first <- err }))

	var order []int
	var mu sync.Mutex
	second := make(chan error, 1)
	require.NoError(t, cq.Go(context.Background(), "s1", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return errors.New("second failed")
	}, func(err error) { second <- err }))

	assert.True(t, cq.Active("s1"))
	assert.Equal(t, 1, cq.QueueSize("s1"))

	close(release)
	assert.NoError(t, <-first)
	assert.EqualError(t, <-second, "second failed")
	assert.Equal(t, []int{2}, order)

	assert.Error(t, cq.Go(context.Background(), "", func(ctx context.Context) error { return nil }, nil))
}

func TestCommandQueue_GoReportsReset(t *testing.T) {
	cq := New()
	defer cq.Close()

	started := make(chan struct{})
	running := make(chan error, 1)
	require.NoError(t, cq.Go(context.Background(), "s1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { running <- err }))
	<-started

	queued := make(chan error, 1)
	require.NoError(t, cq.Go(context.Background(), "s1", func(ctx context.Context) error {
		t.Error("queued task should not run after reset")
		return nil
	}, func(err error) { queued <- err }))

	assert.Equal(t, 1, cq.Reset("s1"))
	assert.ErrorIs(t, <-queued, ErrLaneReset)
	assert.ErrorIs(t, <-running, ErrLaneReset)
}

func TestCommandQueue_SingleWriterPerLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cq.Do(context.Background(), "shared", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				counter++
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Equal(t, 20, counter)
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Do(context.Background(), "lane", func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cq.Do(context.Background(), "lane", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		require.Eventually(t, func() bool { return cq.QueueSize("lane") == i+1 }, time.Second, time.Millisecond)
	}

	close(block)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cq.Do(context.Background(), fmt.Sprintf("lane-%d", i), func(ctx context.Context) error {
				atomic.AddInt32(&inside, 1)
				<-release
				return nil
			})
		}(i)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&inside) == 3 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}

func TestCommandQueue_Reset(t *testing.T) {
	cq := New()
	defer cq.Close()

	started := make(chan struct{})
	runningErr := make(chan error, 1)
	go func() {
		runningErr <- cq.Do(context.Background(), "s1", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		queuedErr <- cq.Do(context.Background(), "s1", func(ctx context.Context) error {
			t.Error("queued task should not run after reset")
			return nil
		})
	}()
	require.Eventually(t, func() bool { return cq.QueueSize("s1") == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, cq.Reset("s1"))

	assert.ErrorIs(t, <-queuedErr, ErrLaneReset)
	assert.ErrorIs(t, <-runningErr, ErrLaneReset)

	assert.NoError(t, cq.Do(context.Background(), "s1", func(ctx context.Context) error { return nil }))
	assert.Equal(t, 0, cq.Reset("unknown"))
}

func TestCommandQueue_CallerCancelWhileQueued(t *testing.T) {
	cq := New()
	defer cq.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cq.Do(context.Background(), "s1", func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var ran int32
	err := cq.Do(ctx, "s1", func(ctx context.Context) error {
		atomic.StoreInt32(&ran, 1)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	require.True(t, cq.WaitForActive(time.Second))
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	go func() {
		_ = cq.Do(context.Background(), "slow", func(ctx context.Context) error {
			<-release
			return nil
		})
	}()
	require.Eventually(t, func() bool { return cq.Active("slow") }, time.Second, time.Millisecond)

	assert.False(t, cq.WaitForActive(30*time.Millisecond))
	close(release)
	assert.True(t, cq.WaitForActive(time.Second))
	assert.Empty(t, cq.Stats())
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- cq.Do(context.Background(), "s1", func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.ErrorIs(t, cq.Do(context.Background(), "s1", func(ctx context.Context) error { return nil }), ErrClosed)
}
