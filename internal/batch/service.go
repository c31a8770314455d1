// Package batch is the lifecycle service behind the HTTP API: it creates
// batches, accepts review submissions and guards merge requests.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/queue"
	"github.com/rpattn/billflow/internal/repository"
	"github.com/rpattn/billflow/internal/review"

	"github.com/google/uuid"
)

// ArtifactMergeSource is the artifact key holding an uploaded ledger.
const ArtifactMergeSource = "merge_source_path"

type Service struct {
	store repository.BatchRepository
	queue queue.Queue

	dataDir       string
	defaultLedger string
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Service)

// WithDataDir sets the root for uploads and per-batch artifacts.
func WithDataDir(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.dataDir = filepath.Clean(dir)
		}
	}
}

// WithDefaultLedger sets the ledger used when a merge request resolves no other target.
func WithDefaultLedger(path string) Option {
	return func(s *Service) {
		s.defaultLedger = strings.TrimSpace(path)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store repository.BatchRepository, q queue.Queue, opts ...Option) *Service {
	s := &Service{
		store:   store,
		queue:   q,
		dataDir: filepath.Join(os.TempDir(), "billflow"),
		now:     time.Now,
		logger:  slog.With("component", "batch"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BatchDir is where a batch's uploads and artifacts live.
func (s *Service) BatchDir(id uuid.UUID) string {
	return filepath.Join(s.dataDir, id.String())
}

// Create records a queued batch and enqueues its process task.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Batch, domain.Task, error) {
	return s.create(ctx, uuid.New(), req)
}

func (s *Service) create(ctx context.Context, id uuid.UUID, req CreateRequest) (domain.Batch, domain.Task, error) {
	if err := req.validate(); err != nil {
		return domain.Batch{}, domain.Task{}, err
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	created, err := s.store.Create(ctx, domain.Batch{
		ID:        id,
		Type:      req.Type,
		Status:    domain.BatchStatusQueued,
		RunDate:   req.RunDate,
		Inputs:    req.Inputs,
		Metadata:  metadata,
		Artifacts: map[string]any{},
	})
	if err != nil {
		return domain.Batch{}, domain.Task{}, fmt.Errorf("create batch: %w", err)
	}

	task := domain.NewProcessTask(created.ID, s.now().UTC())
	task.ID, err = s.queue.Enqueue(ctx, task)
	if err != nil {
		failed := s.markQueueFailure(ctx, created.ID, domain.BatchStatusQueued, err)
		return failed, domain.Task{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.logger.Info("batch created", "batchID", created.ID, "type", created.Type, "inputs", len(created.Inputs), "taskID", task.ID)
	return created, task, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	return s.store.GetByID(ctx, id)
}

// ListOptions filters and pages List. Limit defaults to 100.
type ListOptions struct {
	Statuses []domain.BatchStatus
	Limit    int
	Offset   int
}

func (s *Service) List(ctx context.Context, opts ListOptions) ([]domain.Batch, error) {
	for _, status := range opts.Statuses {
		if !status.Valid() {
			return nil, invalid("status", "unknown status %q", status)
		}
	}
	if opts.Limit < 0 || opts.Limit > 500 {
		return nil, invalid("limit", "must be between 1 and 500")
	}
	if opts.Offset < 0 {
		return nil, invalid("offset", "must not be negative")
	}
	return s.store.List(ctx, opts.Statuses, opts.Limit, opts.Offset)
}

// ReviewRows returns the batch together with its rows in row order.
func (s *Service) ReviewRows(ctx context.Context, id uuid.UUID) (domain.Batch, []domain.ReviewRow, error) {
	batch, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Batch{}, nil, err
	}
	rows, err := s.store.ListReviewRows(ctx, id)
	if err != nil {
		return domain.Batch{}, nil, err
	}
	return batch, rows, nil
}

func reviewAllowed(batch domain.Batch) bool {
	switch batch.Status {
	case domain.BatchStatusReviewReady:
		return true
	case domain.BatchStatusFailed:
		return batch.ReviewRowsCount > 0
	}
	return false
}

// SubmitReview validates a raw submission and upserts its rows. The batch
// status never changes.
func (s *Service) SubmitReview(ctx context.Context, id uuid.UUID, payload []byte) (domain.Batch, error) {
	batch, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Batch{}, err
	}
	if !reviewAllowed(batch) {
		return batch, fmt.Errorf("%w: batch %s is %s", ErrReviewNotAllowed, id, batch.Status)
	}

	rows, err := review.ParseSubmission(payload, batch.Type)
	if err != nil {
		return batch, err
	}

	updated, err := s.store.UpsertReviewRows(ctx, id, rows, []domain.BatchStatus{
		domain.BatchStatusReviewReady,
		domain.BatchStatusFailed,
	})
	if err != nil {
		if errors.Is(err, repository.ErrBatchStatusConflict) {
			return updated, fmt.Errorf("%w: %v", ErrReviewNotAllowed, err)
		}
		return domain.Batch{}, err
	}

	if path, err := s.snapshotReviewRows(ctx, id); err != nil {
		s.logger.Warn("failed to snapshot review rows", "batchID", id, "error", err)
	} else if path != "" {
		if merged, err := s.store.MergeArtifacts(ctx, id, map[string]any{"review_json_path": path}); err == nil {
			updated = merged
		}
	}

	s.logger.Info("review submitted", "batchID", id, "rows", len(rows), "reviewRowsCount", updated.ReviewRowsCount)
	return updated, nil
}

func (s *Service) snapshotReviewRows(ctx context.Context, id uuid.UUID) (string, error) {
	rows, err := s.store.ListReviewRows(ctx, id)
	if err != nil {
		return "", err
	}
	dir := s.BatchDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "review_rows.json")
	return path, writeJSON(path, rows)
}

// RequestMerge moves a review_ready batch to merging and enqueues the merge
// task. Of any number of concurrent callers exactly one succeeds; the rest
// get repository.ErrBatchStatusConflict.
func (s *Service) RequestMerge(ctx context.Context, id uuid.UUID, req MergeRequest) (domain.Task, error) {
	return s.startMerge(ctx, id, req, domain.BatchStatusReviewReady, false)
}

// RetryMerge re-runs the merge of a failed batch. Batches that never produced
// review rows cannot be retried.
func (s *Service) RetryMerge(ctx context.Context, id uuid.UUID, req MergeRequest) (domain.Task, error) {
	return s.startMerge(ctx, id, req, domain.BatchStatusFailed, true)
}

func (s *Service) startMerge(ctx context.Context, id uuid.UUID, req MergeRequest, from domain.BatchStatus, retry bool) (domain.Task, error) {
	if req.Mode == "" {
		req.Mode = domain.MergeModeOverwrite
	}
	if !req.Mode.Valid() {
		return domain.Task{}, invalid("mode", "must be append or overwrite")
	}

	batch, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if batch.Status != from {
		return domain.Task{}, fmt.Errorf("%w: batch %s is %s, expected %s", repository.ErrBatchStatusConflict, id, batch.Status, from)
	}
	if batch.ReviewRowsCount == 0 {
		return domain.Task{}, fmt.Errorf("%w: batch %s has no review rows", repository.ErrBatchStatusConflict, id)
	}

	target, err := s.resolveLedgerTarget(batch, req.MonthlyExcelPath)
	if err != nil {
		return domain.Task{}, err
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	record := domain.MergeRecord{Mode: req.Mode, LedgerTarget: target, Metadata: metadata}

	if _, err := s.store.Transition(ctx, id, repository.Transition{
		From:              []domain.BatchStatus{from},
		To:                domain.BatchStatusMerging,
		RequireReviewRows: true,
		ClearError:        retry,
	}); err != nil {
		return domain.Task{}, err
	}

	task := domain.NewMergeTask(id, record, s.now().UTC())
	task.ID, err = s.queue.Enqueue(ctx, task)
	if err != nil {
		s.markQueueFailure(ctx, id, domain.BatchStatusMerging, err)
		return domain.Task{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	s.logger.Info("merge requested", "batchID", id, "mode", record.Mode, "ledger", record.LedgerTarget, "retry", retry, "taskID", task.ID)
	return task, nil
}

// resolveLedgerTarget picks the explicit path, then the uploaded merge
// source, then the default ledger.
func (s *Service) resolveLedgerTarget(batch domain.Batch, explicit *string) (string, error) {
	if explicit != nil {
		if path := strings.TrimSpace(*explicit); path != "" {
			return path, nil
		}
	}
	if path, ok := batch.Artifacts[ArtifactMergeSource].(string); ok && strings.TrimSpace(path) != "" {
		return path, nil
	}
	if s.defaultLedger != "" {
		return s.defaultLedger, nil
	}
	return "", ErrNoLedgerTarget
}

func (s *Service) markQueueFailure(ctx context.Context, id uuid.UUID, from domain.BatchStatus, cause error) domain.Batch {
	s.logger.Error("failed to enqueue task", "batchID", id, "error", cause)
	failed, err := s.store.Transition(context.WithoutCancel(ctx), id, repository.Transition{
		From: []domain.BatchStatus{from},
		To:   domain.BatchStatusFailed,
		Error: &domain.ErrorInfo{
			Code:    CodeQueueUnavailable,
			Message: fmt.Sprintf("failed to enqueue task: %v", cause),
		},
	})
	if err != nil {
		s.logger.Error("failed to mark batch failed after enqueue error", "batchID", id, "error", err)
	}
	return failed
}

// PreviewPath returns the file behind a row's preview. The file must be one
// of the batch inputs or live under the batch directory.
func (s *Service) PreviewPath(ctx context.Context, id uuid.UUID, rowID string) (string, error) {
	batch, rows, err := s.ReviewRows(ctx, id)
	if err != nil {
		return "", err
	}
	var preview string
	for _, row := range rows {
		if row.RowID == rowID && row.PreviewPath != nil {
			preview = *row.PreviewPath
			break
		}
	}
	if preview == "" {
		return "", ErrPreviewNotFound
	}

	resolved, err := filepath.Abs(preview)
	if err != nil {
		return "", ErrPreviewNotFound
	}
	if !s.previewAllowed(batch, resolved) {
		s.logger.Warn("preview outside batch scope", "batchID", id, "rowID", rowID, "path", resolved)
		return "", ErrPreviewNotFound
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return "", ErrPreviewNotFound
	}
	return resolved, nil
}

func (s *Service) previewAllowed(batch domain.Batch, resolved string) bool {
	root, err := filepath.Abs(s.BatchDir(batch.ID))
	if err == nil {
		if rel, err := filepath.Rel(root, resolved); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	for _, in := range batch.Inputs {
		if abs, err := filepath.Abs(in.Path); err == nil && abs == resolved {
			return true
		}
	}
	return false
}
