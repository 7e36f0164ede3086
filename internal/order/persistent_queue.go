package order

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	walEnqueue  = "ENQUEUE"
	walComplete = "COMPLETE"
)

// PersistentQueue wraps Queue with a write-ahead log so that batches accepted
// before a crash are executed after restart.
type PersistentQueue struct {
	queue      *Queue
	walPath    string
	walFile    *os.File
	logger     *slog.Logger
	mu         sync.Mutex
	metrics    PersistentQueueMetrics
	processing map[string]bool
	closed     bool
}

// PersistentQueueMetrics tracks persistence statistics.
type PersistentQueueMetrics struct {
	Written   uint64 `json:"written"`
	Recovered uint64 `json:"recovered"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type walEntry struct {
	Action    string    `json:"action"`
	Batch     Batch     `json:"batch"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPersistentQueue creates a persistent queue with its WAL under walDir.
func NewPersistentQueue(walDir string, queueSize int, logger *slog.Logger) (*PersistentQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	walPath := filepath.Join(walDir, "batch_queue.wal")
	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	return &PersistentQueue{
		queue:      NewQueue(queueSize),
		walPath:    walPath,
		walFile:    file,
		logger:     logger.With("component", "batch_wal"),
		processing: make(map[string]bool),
	}, nil
}

// Recover loads unfinished batches from the WAL. Call it before Drain.
func (pq *PersistentQueue) Recover() error {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	file, err := os.Open(pq.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open WAL for recovery: %w", err)
	}
	defer file.Close()

	var order []string
	enqueued := make(map[string]Batch)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry walEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			pq.logger.Warn("WAL parse error, skipping entry", "error", err)
			continue
		}
		switch entry.Action {
		case walEnqueue:
			if _, seen := enqueued[entry.Batch.BatchID]; !seen {
				order = append(order, entry.Batch.BatchID)
			}
			enqueued[entry.Batch.BatchID] = entry.Batch
		case walComplete:
			completed[entry.Batch.BatchID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("WAL scan error: %w", err)
	}

	var pending []Batch
	for _, id := range order {
		if completed[id] {
			continue
		}
		b := enqueued[id]
		if !pq.queue.Enqueue(b) {
			pq.logger.Error("queue full during recovery, batch left in WAL", "batch_id", id)
		} else {
			pq.processing[id] = true
			atomic.AddUint64(&pq.metrics.Recovered, 1)
		}
		pending = append(pending, b)
	}
	if len(pending) > 0 {
		pq.logger.Info("recovered pending batches from WAL", "count", len(pending))
	}

	if len(pending) > 0 || len(completed) > 10 {
		if err := pq.compactWAL(pending); err != nil {
			pq.logger.Warn("WAL compaction failed", "error", err)
		}
	}
	return nil
}

// compactWAL rewrites the WAL with only the pending entries.
func (pq *PersistentQueue) compactWAL(pending []Batch) error {
	tempPath := pq.walPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(tempFile)
	for _, b := range pending {
		if err := encoder.Encode(walEntry{Action: walEnqueue, Batch: b, Timestamp: b.SubmittedAt}); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return err
		}
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return err
	}
	tempFile.Close()

	pq.walFile.Close()
	if err := os.Rename(tempPath, pq.walPath); err != nil {
		return err
	}
	pq.walFile, err = os.OpenFile(pq.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	pq.logger.Info("WAL compacted", "kept", len(pending))
	return nil
}

func (pq *PersistentQueue) writeEntry(entry walEntry, durable bool) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := pq.walFile.Write(append(data, '\n')); err != nil {
		return err
	}
	if durable {
		return pq.walFile.Sync()
	}
	return nil
}

// Enqueue logs b to the WAL and buffers it. It returns false when the queue
// is closed, full, or the WAL write fails.
func (pq *PersistentQueue) Enqueue(b Batch) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.closed {
		return false
	}
	if b.SubmittedAt.IsZero() {
		b.SubmittedAt = time.Now()
	}

	if err := pq.writeEntry(walEntry{Action: walEnqueue, Batch: b, Timestamp: time.Now()}, true); err != nil {
		atomic.AddUint64(&pq.metrics.Failed, 1)
		pq.logger.Error("WAL write failed", "batch_id", b.BatchID, "error", err)
		return false
	}
	if !pq.queue.Enqueue(b) {
		// Balance the ENQUEUE record so the rejected batch is not recovered.
		_ = pq.writeEntry(walEntry{Action: walComplete, Batch: Batch{BatchID: b.BatchID}, Timestamp: time.Now()}, false)
		atomic.AddUint64(&pq.metrics.Failed, 1)
		return false
	}
	pq.processing[b.BatchID] = true
	atomic.AddUint64(&pq.metrics.Written, 1)
	return true
}

// MarkComplete records that a batch has finished.
func (pq *PersistentQueue) MarkComplete(batchID string) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if !pq.processing[batchID] || pq.walFile == nil {
		return
	}
	// Not synced; a crash here replays the batch. Creates in a replay reuse
	// the ids from BatchOrderID, so they resolve to the orders already made.
	if err := pq.writeEntry(walEntry{Action: walComplete, Batch: Batch{BatchID: batchID}, Timestamp: time.Now()}, false); err != nil {
		pq.logger.Warn("WAL complete write failed", "batch_id", batchID, "error", err)
	}
	delete(pq.processing, batchID)
	atomic.AddUint64(&pq.metrics.Completed, 1)
}

// Drain processes batches with completion tracking.
func (pq *PersistentQueue) Drain(ctx context.Context, handler func(Batch)) {
	pq.queue.Drain(ctx, func(b Batch) {
		handler(b)
		pq.MarkComplete(b.BatchID)
	})
}

// Chan exposes the buffered batches; callers must MarkComplete each one.
func (pq *PersistentQueue) Chan() <-chan Batch {
	return pq.queue.Chan()
}

// GetMetrics returns persistence metrics.
func (pq *PersistentQueue) GetMetrics() PersistentQueueMetrics {
	return PersistentQueueMetrics{
		Written:   atomic.LoadUint64(&pq.metrics.Written),
		Recovered: atomic.LoadUint64(&pq.metrics.Recovered),
		Completed: atomic.LoadUint64(&pq.metrics.Completed),
		Failed:    atomic.LoadUint64(&pq.metrics.Failed),
	}
}

// Len returns queue depth.
func (pq *PersistentQueue) Len() int {
	return pq.queue.Len()
}

// Close closes the queue and the WAL file.
func (pq *PersistentQueue) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.closed {
		return
	}
	pq.closed = true
	pq.queue.Close()
	if pq.walFile != nil {
		pq.walFile.Sync()
		pq.walFile.Close()
		pq.walFile = nil
	}
	pq.logger.Info("batch queue closed",
		"written", atomic.LoadUint64(&pq.metrics.Written),
		"completed", atomic.LoadUint64(&pq.metrics.Completed))
}
