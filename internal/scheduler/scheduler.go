// Package scheduler implements the priority task scheduler: a fixed worker
// pool pulling from a (priority DESC, enqueued_at ASC) priority queue, with
// device-binding exclusivity for inference tasks, cooperative cancellation,
// and SLO-violation reporting on deadline miss (the task itself is never
// killed, only flagged).
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/databloom/kvquant-core/internal/errs"
	"github.com/databloom/kvquant-core/internal/metrics"
	"github.com/google/uuid"
)

// Kind identifies a task's type for metrics and device-binding decisions.
type Kind int

const (
	KindInference Kind = iota
	KindQuantization
	KindCompaction
)

func (k Kind) String() string {
	switch k {
	case KindInference:
		return "inference"
	case KindQuantization:
		return "quantization"
	case KindCompaction:
		return "compaction"
	default:
		return "unknown"
	}
}

// Task is a unit of schedulable work. Run must check ctx and return
// ctx.Err() promptly once cancellation is observed at a suspension point.
type Task interface {
	Kind() Kind
	Run(ctx context.Context) error
}

// Meta carries scheduling metadata alongside a Task.
type Meta struct {
	ID         string
	Priority   int
	EnqueuedAt time.Time
	Deadline   time.Time // zero means no deadline
	Device     string    // non-empty binds Inference tasks to one device at a time
}

// item is the internal queue entry. cancelCh is closed once when the task
// is cancelled so a running task's context can be cut at its next
// suspension point.
type item struct {
	task       Task
	meta       Meta
	seq        uint64
	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	index      int
}

// SLOViolation is emitted when a task's Deadline passes before it completes.
type SLOViolation struct {
	TaskID   string
	Kind     Kind
	Deadline time.Time
	Observed time.Time
}

// priorityQueue orders items by (Priority DESC, EnqueuedAt ASC), ties broken
// by insertion sequence for FIFO stability within identical timestamps.
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].meta.Priority != pq[j].meta.Priority {
		return pq[i].meta.Priority > pq[j].meta.Priority
	}
	if !pq[i].meta.EnqueuedAt.Equal(pq[j].meta.EnqueuedAt) {
		return pq[i].meta.EnqueuedAt.Before(pq[j].meta.EnqueuedAt)
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

// SLOHook is invoked on every deadline miss. Set by the caller; nil is a
// valid no-op.
type SLOHook func(SLOViolation)

// Scheduler runs a fixed pool of workers pulling from the priority queue.
type Scheduler struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    priorityQueue
	byID     map[string]*item
	seq      uint64
	closed   bool

	deviceMu sync.Mutex
	devices  map[string]bool // device -> currently occupied by an Inference task

	workers int
	wg      sync.WaitGroup

	onSLO SLOHook
}

// New constructs a Scheduler with the given fixed worker-pool size.
func New(workers int, onSLO SLOHook) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		byID:    make(map[string]*item),
		devices: make(map[string]bool),
		workers: workers,
		onSLO:   onSLO,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool. ctx cancellation stops all workers after
// their current task returns.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
}

// Wait blocks until every worker has exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Submit enqueues a task, assigning it an ID if Meta.ID is empty. Returns
// the task's ID.
func (s *Scheduler) Submit(task Task, meta Meta) string {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.EnqueuedAt.IsZero() {
		meta.EnqueuedAt = time.Now()
	}

	s.mu.Lock()
	s.seq++
	it := &item{task: task, meta: meta, seq: s.seq, cancelCh: make(chan struct{})}
	heap.Push(&s.queue, it)
	s.byID[meta.ID] = it
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	s.cond.Signal()
	s.mu.Unlock()
	return meta.ID
}

// Cancel flags the task's cooperative-cancellation bit and cuts a running
// task's context, so it observes cancellation at its next suspension point
// (ctx.Err() == context.Canceled). An unstarted task is skipped when its
// turn comes. The task is never killed; it is expected to release its
// resources and return without committing partial work.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byID[id]
	if !ok {
		return false
	}
	it.cancelled.Store(true)
	it.cancelOnce.Do(func() { close(it.cancelCh) })
	return true
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		it := s.dequeue()
		if it == nil {
			return
		}
		s.run(ctx, it)
	}
}

// dequeue pops the highest-priority item, blocking until one is available
// or the scheduler is closed. Items bound to a device that is currently
// occupied by another Inference task are skipped and requeued; the caller
// retries the scan rather than busy-spinning thanks to the condvar wait.
func (s *Scheduler) dequeue() *item {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed && s.queue.Len() == 0 {
			return nil
		}
		if it, ok := s.popRunnableLocked(); ok {
			return it
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) popRunnableLocked() (*item, bool) {
	var deferred []*item
	defer func() {
		for _, d := range deferred {
			heap.Push(&s.queue, d)
		}
	}()

	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)
		if it.task.Kind() == KindInference && it.meta.Device != "" && s.deviceBusy(it.meta.Device) {
			deferred = append(deferred, it)
			continue
		}
		if it.task.Kind() == KindInference && it.meta.Device != "" {
			s.markDeviceBusy(it.meta.Device, true)
		}
		metrics.SchedulerQueueDepth.Set(float64(s.queue.Len() + len(deferred)))
		return it, true
	}
	return nil, false
}

func (s *Scheduler) deviceBusy(device string) bool {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	return s.devices[device]
}

func (s *Scheduler) markDeviceBusy(device string, busy bool) {
	s.deviceMu.Lock()
	defer s.deviceMu.Unlock()
	if busy {
		s.devices[device] = true
	} else {
		delete(s.devices, device)
	}
}

func (s *Scheduler) run(ctx context.Context, it *item) {
	defer func() {
		if it.task.Kind() == KindInference && it.meta.Device != "" {
			s.markDeviceBusy(it.meta.Device, false)
		}
		s.mu.Lock()
		delete(s.byID, it.meta.ID)
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	if it.cancelled.Load() {
		metrics.SchedulerTasksTotal.WithLabelValues(it.task.Kind().String(), "cancelled").Inc()
		return
	}

	// The task's context is cut when Cancel fires mid-run, so Run observes
	// cancellation at its next suspension point.
	watchCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-it.cancelCh:
			cancelRun()
		case <-watchCtx.Done():
		}
	}()
	// The deadline is not put on the task's context: a deadline miss only
	// reports an SLO violation and never cuts the task short.
	runCtx := watchCtx

	done := make(chan error, 1)
	go func() { done <- it.task.Run(runCtx) }()

	if it.meta.Deadline.IsZero() {
		s.finish(it, <-done)
		return
	}

	select {
	case err := <-done:
		s.finish(it, err)
	case <-time.After(time.Until(it.meta.Deadline)):
		metrics.SchedulerTasksTotal.WithLabelValues(it.task.Kind().String(), "slo_violated").Inc()
		if s.onSLO != nil {
			s.onSLO(SLOViolation{TaskID: it.meta.ID, Kind: it.task.Kind(), Deadline: it.meta.Deadline, Observed: time.Now()})
		}
		<-done // task is not killed; wait for it to finish on its own
	}
}

// finish records the task's outcome once Run has returned.
func (s *Scheduler) finish(it *item, err error) {
	outcome := "completed"
	if it.cancelled.Load() && (errors.Is(err, context.Canceled) || errors.Is(err, errs.ErrCancelled)) {
		outcome = "cancelled"
	}
	metrics.SchedulerTasksTotal.WithLabelValues(it.task.Kind().String(), outcome).Inc()
}

// FuncTask adapts a plain function into a Task.
type FuncTask struct {
	kind Kind
	fn   func(ctx context.Context) error
}

// NewFuncTask builds a Task of the given Kind from fn.
func NewFuncTask(kind Kind, fn func(ctx context.Context) error) *FuncTask {
	return &FuncTask{kind: kind, fn: fn}
}

func (t *FuncTask) Kind() Kind { return t.kind }
func (t *FuncTask) Run(ctx context.Context) error {
	if t.fn == nil {
		return fmt.Errorf("scheduler: nil task func")
	}
	return t.fn(ctx)
}
