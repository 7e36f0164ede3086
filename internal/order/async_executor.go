package order

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BatchQueue is the buffer the async executor pulls from.
type BatchQueue interface {
	Enqueue(b Batch) bool
	Chan() <-chan Batch
	MarkComplete(batchID string)
	Len() int
	Close()
}

// AsyncExecutor runs queued batches on a fixed set of workers.
type AsyncExecutor struct {
	executor *Executor
	queue    BatchQueue
	workers  int
	logger   *slog.Logger
	resultCh chan ExecutionResult
	wg       sync.WaitGroup
	closed   bool
	mu       sync.Mutex
}

// ExecutionResult is the outcome of one queued batch.
type ExecutionResult struct {
	BatchID   string        `json:"batch_id"`
	Result    BatchResult   `json:"result"`
	Success   bool          `json:"success"`
	Error     error         `json:"-"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewAsyncExecutor creates an async executor with the given worker count.
func NewAsyncExecutor(executor *Executor, queue BatchQueue, workers int, logger *slog.Logger) *AsyncExecutor {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncExecutor{
		executor: executor,
		queue:    queue,
		workers:  workers,
		logger:   logger.With("component", "async_executor"),
		resultCh: make(chan ExecutionResult, 100),
	}
}

// Start launches the workers. They stop when ctx is done or the queue closes.
func (a *AsyncExecutor) Start(ctx context.Context) {
	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-a.queue.Chan():
					if !ok {
						return
					}
					a.run(ctx, b)
				}
			}
		}()
	}
	a.logger.Info("async executor started", "workers", a.workers)
}

// Submit queues a batch and reports whether it was accepted.
func (a *AsyncExecutor) Submit(b Batch) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("async executor closed, batch rejected", "batch_id", b.BatchID)
		return false
	}
	if !a.queue.Enqueue(b) {
		a.logger.Warn("batch queue full, batch rejected", "batch_id", b.BatchID, "depth", a.queue.Len())
		return false
	}
	return true
}

func (a *AsyncExecutor) run(ctx context.Context, b Batch) {
	start := time.Now()
	res, err := a.executor.Execute(ctx, b)

	// Interrupted by shutdown: leave it in the WAL to replay.
	if err != nil && (errors.Is(err, context.Canceled) || ctx.Err() != nil) {
		a.logger.Warn("batch interrupted", "batch_id", b.BatchID, "error", err)
		return
	}
	a.queue.MarkComplete(b.BatchID)

	out := ExecutionResult{
		BatchID:   b.BatchID,
		Result:    res,
		Success:   err == nil,
		Error:     err,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		out.ErrorMsg = err.Error()
		a.logger.Error("batch failed", "batch_id", b.BatchID, "error", err, "latency", out.Latency)
	}

	select {
	case a.resultCh <- out:
	default:
		a.logger.Warn("result channel full, dropping result", "batch_id", b.BatchID)
	}
}

// Results returns the result channel for monitoring.
func (a *AsyncExecutor) Results() <-chan ExecutionResult {
	return a.resultCh
}

// Pending returns the number of queued batches.
func (a *AsyncExecutor) Pending() int {
	return a.queue.Len()
}

// Close stops accepting batches, waits for the workers and closes Results.
func (a *AsyncExecutor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.queue.Close()
	a.mu.Unlock()

	a.wg.Wait()
	close(a.resultCh)
}
