package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	first := domain.NewProcessTask(uuid.New(), time.Now())
	second := domain.NewMergeTask(uuid.New(), domain.MergeRecord{Mode: domain.MergeModeAppend}, time.Now())

	if _, err := q.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != first.ID || got.Attempt != 1 {
		t.Fatalf("expected first task on attempt 1, got %s attempt %d", got.ID, got.Attempt)
	}
	got, _ = q.Dequeue(ctx)
	if got.ID != second.ID || got.Merge == nil || got.Merge.Mode != domain.MergeModeAppend {
		t.Fatalf("expected merge task with payload, got %+v", got)
	}
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	task := domain.NewProcessTask(uuid.New(), time.Now())

	done := make(chan domain.Task, 1)
	go func() {
		got, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("dequeue: %v", err)
		}
		done <- got
	}()

	select {
	case <-done:
		t.Fatalf("dequeue returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case got := <-done:
		if got.ID != task.ID {
			t.Fatalf("unexpected task %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("dequeue did not wake up")
	}
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueue_ReleaseRedelivers(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	a := domain.NewProcessTask(uuid.New(), time.Now())
	b := domain.NewProcessTask(uuid.New(), time.Now())
	q.Enqueue(ctx, a)
	q.Enqueue(ctx, b)

	gotA, _ := q.Dequeue(ctx)
	if err := q.Release(ctx, gotA); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, _ := q.Dequeue(ctx)
	if again.ID != gotA.ID || again.Attempt != 2 {
		t.Fatalf("expected redelivery of %s on attempt 2, got %s attempt %d", gotA.ID, again.ID, again.Attempt)
	}
	if err := q.Release(ctx, gotA); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("expected stale release to fail with ErrNotInFlight, got %v", err)
	}
}

func TestMemoryQueue_AckOfStaleDeliveryIsNotInFlight(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Enqueue(ctx, domain.NewProcessTask(uuid.New(), time.Now()))

	first, _ := q.Dequeue(ctx)
	if err := q.Release(ctx, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, _ := q.Dequeue(ctx)

	if err := q.Ack(ctx, first); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("expected ErrNotInFlight for the superseded delivery, got %v", err)
	}
	if err := q.Ack(ctx, second); err != nil {
		t.Fatalf("ack current delivery: %v", err)
	}
	if err := q.Ack(ctx, second); !errors.Is(err, ErrNotInFlight) {
		t.Fatalf("expected ErrNotInFlight for a second ack, got %v", err)
	}
	if pending, inflight := q.Len(); pending != 0 || inflight != 0 {
		t.Fatalf("expected empty queue, got %d pending %d in flight", pending, inflight)
	}
}

func TestMemoryQueue_CloseDrainsThenStops(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	q.Enqueue(ctx, domain.NewProcessTask(uuid.New(), time.Now()))
	q.Close()

	if _, err := q.Enqueue(ctx, domain.NewProcessTask(uuid.New(), time.Now())); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from enqueue, got %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("expected pending task to drain, got %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	pending, inflight := q.Len()
	if pending != 0 || inflight != 1 {
		t.Fatalf("unexpected lengths pending=%d inflight=%d", pending, inflight)
	}
}
