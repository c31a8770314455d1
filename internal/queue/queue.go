// Package queue carries process and merge tasks from the request path to the
// worker pool. Delivery is at-least-once: a task that is dequeued but never
// acknowledged is handed out again.
package queue

import (
	"context"
	"errors"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dequeue once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// ErrNotInFlight is returned by Ack and Release for a task that is no longer
// held by the caller: it was already acknowledged, or its delivery was handed
// to another consumer.
var ErrNotInFlight = errors.New("task not in flight")

// Queue is the task queue contract shared by the memory and Postgres backends.
type Queue interface {
	// Enqueue stores the task and returns its id without waiting for a consumer.
	Enqueue(ctx context.Context, task domain.Task) (uuid.UUID, error)
	// Dequeue blocks until a task is available or ctx is done. Tasks come out
	// in enqueue order; Attempt is incremented on every delivery.
	Dequeue(ctx context.Context) (domain.Task, error)
	// Ack marks the task as handled so it is never delivered again.
	Ack(ctx context.Context, task domain.Task) error
	// Release hands an unacknowledged task back for redelivery.
	Release(ctx context.Context, task domain.Task) error
}
