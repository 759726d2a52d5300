package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Invariant 7: among runnable tasks, priority DESC then enqueued_at ASC.
func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []int

	s := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	record := func(n int) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
			return nil
		}
	}

	// Submit low priority first, then two higher ones, before starting
	// workers, so all three are queued before any dequeue happens.
	s.Submit(NewFuncTask(KindCompaction, record(1)), Meta{Priority: 1})
	s.Submit(NewFuncTask(KindCompaction, record(2)), Meta{Priority: 5})
	s.Submit(NewFuncTask(KindCompaction, record(3)), Meta{Priority: 5})

	s.Start(ctx)
	wg.Wait()

	require.Equal(t, []int{2, 3, 1}, order)
}

// Device-binding exclusivity: two Inference tasks on the same device never
// run concurrently.
func TestDeviceExclusivity(t *testing.T) {
	var concurrent int32
	var maxConcurrent int32

	s := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var wg sync.WaitGroup
	task := func() func(context.Context) error {
		return func(context.Context) error {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			wg.Done()
			return nil
		}
	}

	wg.Add(4)
	for i := 0; i < 4; i++ {
		s.Submit(NewFuncTask(KindInference, task()), Meta{Priority: 1, Device: "gpu0"})
	}
	wg.Wait()

	require.EqualValues(t, 1, maxConcurrent)
}

// Deadline miss emits an SLO violation but does not kill the task.
func TestSLOViolationOnDeadlineMiss(t *testing.T) {
	var violated atomic.Bool
	var taskFinished atomic.Bool

	s := New(1, func(v SLOViolation) { violated.Store(true) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	s.Submit(NewFuncTask(KindQuantization, func(context.Context) error {
		time.Sleep(80 * time.Millisecond)
		taskFinished.Store(true)
		wg.Done()
		return nil
	}), Meta{Priority: 1, Deadline: time.Now().Add(20 * time.Millisecond)})

	wg.Wait()
	require.True(t, violated.Load())
	require.True(t, taskFinished.Load())
}

func TestCancelSkipsUnstartedTask(t *testing.T) {
	var ran atomic.Bool

	s := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := s.Submit(NewFuncTask(KindCompaction, func(context.Context) error {
		ran.Store(true)
		return nil
	}), Meta{Priority: 1})
	require.True(t, s.Cancel(id))

	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	require.False(t, ran.Load())
}

// A Cancel issued after dispatch cuts the running task's context, so the
// task observes cancellation at its next suspension point.
func TestCancelReachesRunningTask(t *testing.T) {
	started := make(chan struct{})
	observed := make(chan error, 1)

	s := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id := s.Submit(NewFuncTask(KindInference, func(taskCtx context.Context) error {
		close(started)
		<-taskCtx.Done() // suspension point
		observed <- taskCtx.Err()
		return taskCtx.Err()
	}), Meta{Priority: 1})

	<-started
	require.True(t, s.Cancel(id))

	select {
	case err := <-observed:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("running task never observed cancellation")
	}
}
