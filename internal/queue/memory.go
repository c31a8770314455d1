package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process FIFO. Unacknowledged tasks stay in flight until
// Release puts them back.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []domain.Task
	inflight map[uuid.UUID]domain.Task
	wake     chan struct{}
	closed   bool
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[uuid.UUID]domain.Task),
		wake:     make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task domain.Task) (uuid.UUID, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return uuid.Nil, fmt.Errorf("enqueue %s: %w", task.Type, ErrClosed)
	}
	q.pending = append(q.pending, task)
	q.signalLocked()
	return task.ID, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (domain.Task, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending = q.pending[1:]
			task.Attempt++
			q.inflight[task.ID] = task
			q.mu.Unlock()
			return task, nil
		}
		if q.closed {
			q.mu.Unlock()
			return domain.Task{}, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.Task{}, ctx.Err()
		case <-wake:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, task domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.takeInflightLocked(task); !ok {
		return ErrNotInFlight
	}
	return nil
}

// Release returns the task to the front of the queue.
func (q *MemoryQueue) Release(ctx context.Context, task domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, ok := q.takeInflightLocked(task)
	if !ok {
		return ErrNotInFlight
	}
	q.pending = append([]domain.Task{held}, q.pending...)
	q.signalLocked()
	return nil
}

// takeInflightLocked removes the delivery from the in-flight set. Only the
// current delivery of a task matches; a stale attempt does not.
func (q *MemoryQueue) takeInflightLocked(task domain.Task) (domain.Task, bool) {
	held, ok := q.inflight[task.ID]
	if !ok || held.Attempt != task.Attempt {
		return domain.Task{}, false
	}
	delete(q.inflight, task.ID)
	return held, true
}

// Len reports pending and in-flight task counts.
func (q *MemoryQueue) Len() (pending int, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}

// Close wakes blocked consumers; Dequeue drains what is left, then returns ErrClosed.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

func (q *MemoryQueue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
