package graph

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

// Task is one schedulable unit of work, typically one tasklet pass.
type Task interface {
	// Run executes the work. Cooperative tasks must return promptly.
	Run()

	// IsCooperative selects the regime: true runs on the shared worker
	// pool, false on a dedicated goroutine.
	IsCooperative() bool
}

// TaskFunc adapts a function to a cooperative Task.
type TaskFunc func()

// Run implements Task.
func (f TaskFunc) Run() { f() }

// IsCooperative implements Task.
func (f TaskFunc) IsCooperative() bool { return true }

// ExecutionService is the node's scheduler. Cooperative tasks are queued in
// a shared FIFO run queue served by a fixed pool of worker goroutines; each
// worker runs one task and moves on to the next. Exclusive tasks get their
// own goroutine so that blocking calls never hold up the pool.
//
// Thread-safety: all methods are safe for concurrent use.
type ExecutionService struct {
	logger  logr.Logger
	metrics *PrometheusMetrics

	mu       sync.Mutex
	cond     *sync.Cond
	runQueue []Task
	stopped  bool

	workers   sync.WaitGroup
	exclusive sync.WaitGroup

	inflight atomic.Int64
	wakes    atomic.Int64
}

// NewExecutionService starts an executor with the given number of
// cooperative workers (at least one).
func NewExecutionService(threads int, logger logr.Logger, metrics *PrometheusMetrics) *ExecutionService {
	if threads < 1 {
		threads = 1
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	s := &ExecutionService{
		logger:  logger.WithName("executor"),
		metrics: metrics,
	}
	s.cond = sync.NewCond(&s.mu)
	s.workers.Add(threads)
	for i := 0; i < threads; i++ {
		go s.worker(i)
	}
	s.logger.V(1).Info("started", "cooperativeThreads", threads)
	return s
}

// Wake rouses idle workers so they re-check the run queue. It never blocks
// and may be called any number of times.
func (s *ExecutionService) Wake() {
	s.wakes.Add(1)
	s.cond.Broadcast()
}

// Submit schedules task according to its regime.
func (s *ExecutionService) Submit(task Task) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrExecutorShutdown
	}
	if !task.IsCooperative() {
		s.exclusive.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.exclusive.Done()
			s.run(task)
		}()
		return nil
	}
	s.runQueue = append(s.runQueue, task)
	depth := len(s.runQueue)
	s.mu.Unlock()

	s.metrics.UpdateQueueDepth(depth)
	s.cond.Signal()
	return nil
}

// QueueDepth returns the number of cooperative tasks waiting for a worker.
func (s *ExecutionService) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runQueue)
}

// Inflight returns the number of tasks currently running.
func (s *ExecutionService) Inflight() int {
	return int(s.inflight.Load())
}

// Wakes returns how many times Wake was called.
func (s *ExecutionService) Wakes() int64 {
	return s.wakes.Load()
}

// Shutdown stops accepting tasks, lets workers finish the queued ones and
// waits for every running task, or for ctx to be done.
func (s *ExecutionService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.exclusive.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.V(1).Info("stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

func (s *ExecutionService) worker(id int) {
	defer s.workers.Done()
	for {
		s.mu.Lock()
		for len(s.runQueue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.runQueue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.runQueue[0]
		s.runQueue[0] = nil
		s.runQueue = s.runQueue[1:]
		depth := len(s.runQueue)
		s.mu.Unlock()

		s.metrics.UpdateQueueDepth(depth)
		s.run(task)
	}
}

func (s *ExecutionService) run(task Task) {
	s.metrics.UpdateInflightPasses(int(s.inflight.Add(1)))
	defer func() {
		s.metrics.UpdateInflightPasses(int(s.inflight.Add(-1)))
		if r := recover(); r != nil {
			s.logger.Error(fmt.Errorf("%v", r), "task panicked")
		}
	}()
	task.Run()
}
