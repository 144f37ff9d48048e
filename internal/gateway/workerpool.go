package gateway

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of handler work.
type Task func()

// WorkerPool bounds the goroutines running topic-handler invocations so a
// burst of REQUESTs cannot starve the read pumps. Tasks that find the
// queue full are reported back to the caller rather than dropped
// silently; the dispatcher resolves the pending request with an error.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	ctx         context.Context
	wg          sync.WaitGroup
	dropped     atomic.Int64
	logger      zerolog.Logger
}

func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = workerCount * 100
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers. Must be called before Submit.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.ctx = ctx
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.taskQueue:
			if task == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("worker panic recovered")
					}
				}()
				task()
			}()
		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task; false means the queue was full and the task was
// not accepted.
func (wp *WorkerPool) Submit(task Task) bool {
	select {
	case wp.taskQueue <- task:
		return true
	default:
		wp.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of rejected submissions.
func (wp *WorkerPool) Dropped() int64 {
	return wp.dropped.Load()
}

// QueueDepth returns the number of queued tasks.
func (wp *WorkerPool) QueueDepth() int {
	return len(wp.taskQueue)
}

// Stop waits for workers to exit; cancel the Start context first.
func (wp *WorkerPool) Stop() {
	wp.wg.Wait()
}
