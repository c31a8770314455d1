package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue leases tasks from the tasks table. A lease that expires before
// Ack makes the task visible again, which is how crashed deliveries are retried.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	lease        time.Duration
	logger       *slog.Logger
}

// NewPostgresQueue wires a queue over pool. Zero durations fall back to 500ms
// polling and a 35 minute lease. The lease must outlast the worker task
// timeout or a running task is handed to a second worker.
func NewPostgresQueue(pool *pgxpool.Pool, pollInterval, lease time.Duration) *PostgresQueue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if lease <= 0 {
		lease = 35 * time.Minute
	}
	return &PostgresQueue{
		pool:         pool,
		pollInterval: pollInterval,
		lease:        lease,
		logger:       slog.With("component", "queue"),
	}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, task domain.Task) (uuid.UUID, error) {
	if q.pool == nil {
		return uuid.Nil, fmt.Errorf("task queue not initialized")
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	payload, err := task.PayloadJSON()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode task payload: %w", err)
	}

	_, err = q.pool.Exec(
		ctx,
		`INSERT INTO tasks (id, batch_id, task_type, payload, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		task.ID,
		task.BatchID,
		string(task.Type),
		payload,
		task.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return task.ID, nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context) (domain.Task, error) {
	if q.pool == nil {
		return domain.Task{}, fmt.Errorf("task queue not initialized")
	}
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		task, err := q.leaseNext(ctx)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			if ctx.Err() != nil {
				return domain.Task{}, ctx.Err()
			}
			return domain.Task{}, err
		}

		select {
		case <-ctx.Done():
			return domain.Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *PostgresQueue) leaseNext(ctx context.Context) (domain.Task, error) {
	row := q.pool.QueryRow(
		ctx,
		`UPDATE tasks
		 SET attempts = attempts + 1,
		     leased_until = NOW() + make_interval(secs => $1)
		 WHERE id = (
		     SELECT id FROM tasks
		     WHERE completed_at IS NULL
		       AND (leased_until IS NULL OR leased_until < NOW())
		     ORDER BY seq
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, batch_id, task_type, payload, attempts, created_at`,
		q.lease.Seconds(),
	)

	var (
		task      domain.Task
		taskType  string
		payload   []byte
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&task.ID, &task.BatchID, &taskType, &payload, &task.Attempt, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("failed to lease task: %w", err)
	}
	task.Type = domain.TaskType(taskType)
	if createdAt.Valid {
		task.CreatedAt = createdAt.Time.UTC()
	}
	record, err := domain.MergeRecordFromJSON(payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("failed to decode task %s: %w", task.ID, err)
	}
	task.Merge = record
	if task.Attempt > 1 {
		q.logger.Warn("redelivering task", "taskID", task.ID, "batchID", task.BatchID, "attempt", task.Attempt)
	}
	return task, nil
}

// Ack completes the task. It only matches the caller's own delivery: once a
// lease expired and the task was leased again, the older attempt gets
// ErrNotInFlight.
func (q *PostgresQueue) Ack(ctx context.Context, task domain.Task) error {
	if q.pool == nil {
		return fmt.Errorf("task queue not initialized")
	}
	tag, err := q.pool.Exec(
		ctx,
		`UPDATE tasks SET completed_at = NOW(), leased_until = NULL
		 WHERE id = $1 AND attempts = $2 AND completed_at IS NULL`,
		task.ID, task.Attempt,
	)
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInFlight
	}
	return nil
}

// Release drops the caller's lease so the next poll picks the task up again.
func (q *PostgresQueue) Release(ctx context.Context, task domain.Task) error {
	if q.pool == nil {
		return fmt.Errorf("task queue not initialized")
	}
	tag, err := q.pool.Exec(
		ctx,
		`UPDATE tasks SET leased_until = NULL
		 WHERE id = $1 AND attempts = $2 AND completed_at IS NULL`,
		task.ID, task.Attempt,
	)
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInFlight
	}
	return nil
}
