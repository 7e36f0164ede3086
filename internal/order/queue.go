package order

import "context"

// Queue buffers batches before execution.
type Queue struct {
	ch chan Batch
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{ch: make(chan Batch, size)}
}

// Enqueue adds b without blocking and reports false when the buffer is full.
func (q *Queue) Enqueue(b Batch) bool {
	select {
	case q.ch <- b:
		return true
	default:
		return false
	}
}

func (q *Queue) Chan() <-chan Batch {
	return q.ch
}

// Len returns the number of buffered batches.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) Close() {
	close(q.ch)
}

// Drain consumes batches with a handler until context is canceled.
func (q *Queue) Drain(ctx context.Context, handler func(Batch)) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-q.ch:
			if !ok {
				return
			}
			handler(b)
		}
	}
}

// MarkComplete is a no-op; an in-memory queue keeps no completion log.
func (q *Queue) MarkComplete(string) {}
