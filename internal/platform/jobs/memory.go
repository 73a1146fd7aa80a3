package jobs

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by a closed MemoryQueue.
var ErrQueueClosed = errors.New("job queue closed")

// MemoryQueue is a buffered, in-process Queue and Source.
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan Job
	closed bool
}

// NewMemoryQueue constructs a queue holding up to size pending jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Job, size)}
}

// Enqueue blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case job, ok := <-q.ch:
		if !ok {
			return Delivery{}, ErrQueueClosed
		}
		return Delivery{Job: job}, nil
	}
}

// Len reports the number of pending jobs.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops accepting jobs; pending jobs can still be received.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
