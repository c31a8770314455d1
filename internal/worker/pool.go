// Package worker runs queued process and merge tasks off the request path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/extraction"
	"github.com/rpattn/billflow/internal/merge"
	"github.com/rpattn/billflow/internal/queue"
	"github.com/rpattn/billflow/internal/repository"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CodeInternalError is recorded when a handler panics.
const CodeInternalError = "InternalError"

// failWriteTimeout bounds the status write that records a failure. It runs
// on a fresh deadline because the task's own deadline may be what failed.
const failWriteTimeout = 30 * time.Second

// ErrBatchLocked is returned by Handle when the batch lock could not be
// taken; the task was not run and should be delivered again.
var ErrBatchLocked = errors.New("batch lock unavailable")

// Merger executes merge tasks.
type Merger interface {
	Execute(ctx context.Context, req merge.Request) (merge.Outcome, error)
}

// Pool pulls tasks from a queue with a fixed number of workers.
type Pool struct {
	store     repository.BatchRepository
	queue     queue.Queue
	extractor extraction.Extractor
	merger    Merger
	locker    repository.Locker

	workers         int
	fileConcurrency int
	taskTimeout     time.Duration
	releaseDelay    time.Duration
	dataDir         string
	now             func() time.Time
	logger          *slog.Logger
}

type Option func(*Pool)

// WithWorkers sets the number of concurrent task handlers.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithFileConcurrency bounds parallel extraction calls within one batch.
func WithFileConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.fileConcurrency = n
		}
	}
}

// WithTaskTimeout bounds a single handler run.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.taskTimeout = timeout
		}
	}
}

// WithDataDir sets where per-batch artifacts are written.
func WithDataDir(dir string) Option {
	return func(p *Pool) {
		p.dataDir = dir
	}
}

// WithLocker replaces the in-process per-batch lock.
func WithLocker(locker repository.Locker) Option {
	return func(p *Pool) {
		if locker != nil {
			p.locker = locker
		}
	}
}

// WithClock overrides the clock used for artifact timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPool wires a worker pool. The extractor should already carry its
// per-call timeout (see extraction.WithTimeout).
func NewPool(store repository.BatchRepository, q queue.Queue, extractor extraction.Extractor, merger Merger, opts ...Option) *Pool {
	p := &Pool{
		store:           store,
		queue:           q,
		extractor:       extractor,
		merger:          merger,
		locker:          repository.NewKeyedMutex(),
		workers:         2,
		fileConcurrency: 4,
		taskTimeout:     30 * time.Minute,
		releaseDelay:    time.Second,
		now:             time.Now,
		logger:          slog.With("component", "worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed. A non-nil error means the queue itself failed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			return p.loop(ctx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) error {
	logger := p.logger.With("worker", workerID)
	logger.Info("worker started")
	for {
		err := p.ProcessNext(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			logger.Info("worker stopped")
			return nil
		default:
			logger.Error("task queue failure", "error", err)
			return err
		}
	}
}

// ProcessNext dequeues one task, handles it and acknowledges it. Only queue
// infrastructure failures are returned.
func (p *Pool) ProcessNext(ctx context.Context) error {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("dequeue task: %w", err)
	}
	logger := p.logger.With("taskID", task.ID, "batchID", task.BatchID, "attempt", task.Attempt)

	// In-flight tasks finish even when the pool is shutting down.
	if err := p.Handle(context.WithoutCancel(ctx), task); err != nil {
		if err := p.queue.Release(context.WithoutCancel(ctx), task); err != nil && !errors.Is(err, queue.ErrNotInFlight) {
			return fmt.Errorf("release task %s: %w", task.ID, err)
		}
		logger.Warn("task released for redelivery", "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(p.releaseDelay):
		}
		return nil
	}

	if err := p.queue.Ack(context.WithoutCancel(ctx), task); err != nil {
		if errors.Is(err, queue.ErrNotInFlight) {
			// Another delivery of the same task owns it now; its handler
			// saw or will see the batch status this one wrote.
			logger.Info("task already acknowledged or redelivered")
			return nil
		}
		return fmt.Errorf("ack task %s: %w", task.ID, err)
	}
	return nil
}

// Handle runs one task under the batch lock. Every task outcome is recorded
// on the batch; the only error is ErrBatchLocked, when the task did not run.
func (p *Pool) Handle(ctx context.Context, task domain.Task) error {
	logger := p.logger.With("taskID", task.ID, "taskType", task.Type, "batchID", task.BatchID, "attempt", task.Attempt)

	ctx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	unlock, err := p.locker.Lock(ctx, task.BatchID)
	if err != nil {
		logger.Error("failed to lock batch", "error", err)
		return fmt.Errorf("%w: %v", ErrBatchLocked, err)
	}
	defer unlock()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while handling task", "panic", rec, "stack", string(debug.Stack()))
			p.failAfterPanic(task, fmt.Errorf("panic: %v", rec))
		}
	}()

	switch task.Type {
	case domain.TaskTypeProcessBatch:
		p.handleProcess(ctx, task, logger)
	case domain.TaskTypeMergeBatch:
		p.handleMerge(ctx, task, logger)
	default:
		logger.Warn("unknown task type, dropping")
	}
	return nil
}

func (p *Pool) failAfterPanic(task domain.Task, cause error) {
	from := []domain.BatchStatus{domain.BatchStatusQueued, domain.BatchStatusRunning}
	if task.Type == domain.TaskTypeMergeBatch {
		from = []domain.BatchStatus{domain.BatchStatusMerging}
	}
	p.fail(context.Background(), task.BatchID, from, &domain.ErrorInfo{
		Code:    CodeInternalError,
		Message: cause.Error(),
	})
}

// fail records a terminal failure. A status conflict means another delivery
// already moved the batch on, which is logged and ignored.
func (p *Pool) fail(ctx context.Context, id uuid.UUID, from []domain.BatchStatus, info *domain.ErrorInfo) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if _, err := p.store.Transition(ctx, id, repository.Transition{
		From:  from,
		To:    domain.BatchStatusFailed,
		Error: info,
	}); err != nil {
		p.logger.Error("failed to mark batch failed", "batchID", id, "code", info.Code, "error", err)
		return
	}
	p.logger.Warn("batch failed", "batchID", id, "code", info.Code, "message", info.Message)
}
