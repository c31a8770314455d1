package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
)

type memoryBatch struct {
	batch domain.Batch
	rows  []domain.ReviewRow
}

type memoryBatchRepository struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*memoryBatch
	now     func() time.Time
}

// NewMemoryBatchRepository returns a process-local Batch Store. All reads and
// writes are serialised by one mutex, which makes status transitions atomic.
func NewMemoryBatchRepository() BatchRepository {
	return &memoryBatchRepository{
		batches: make(map[uuid.UUID]*memoryBatch),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryBatchRepository) Create(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = domain.BatchStatusQueued
	}
	now := r.now()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	batch.UpdatedAt = batch.CreatedAt
	if batch.Artifacts == nil {
		batch.Artifacts = map[string]any{}
	}
	if batch.Metadata == nil {
		batch.Metadata = map[string]any{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.batches[batch.ID]; exists {
		return domain.Batch{}, fmt.Errorf("insert batch: duplicate id %s", batch.ID)
	}
	r.batches[batch.ID] = &memoryBatch{batch: batch.Clone()}
	return batch.Clone(), nil
}

func (r *memoryBatchRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}
	return item.batch.Clone(), nil
}

func (r *memoryBatchRepository) List(ctx context.Context, statuses []domain.BatchStatus, limit int, offset int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	wanted := make(map[domain.BatchStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	r.mu.Lock()
	items := make([]domain.Batch, 0, len(r.batches))
	for _, item := range r.batches {
		if len(wanted) > 0 && !wanted[item.batch.Status] {
			continue
		}
		items = append(items, item.batch.Clone())
	}
	r.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID.String() > items[j].ID.String()
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if offset >= len(items) {
		return []domain.Batch{}, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *memoryBatchRepository) Transition(ctx context.Context, id uuid.UUID, spec Transition) (domain.Batch, error) {
	if err := spec.Validate(); err != nil {
		return domain.Batch{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}
	if !spec.allows(item.batch.Status) {
		return item.batch.Clone(), fmt.Errorf("%w: batch %s is %s", ErrBatchStatusConflict, id, item.batch.Status)
	}
	if spec.RequireReviewRows && item.batch.ReviewRowsCount == 0 {
		return item.batch.Clone(), fmt.Errorf("%w: batch %s has no review rows", ErrBatchStatusConflict, id)
	}

	b := &item.batch
	b.Status = spec.To
	for k, v := range spec.Artifacts {
		if b.Artifacts == nil {
			b.Artifacts = map[string]any{}
		}
		b.Artifacts[k] = v
	}
	if spec.MergeOutput != nil {
		out := spec.MergeOutput.Clone()
		b.MergeOutput = &out
	}
	if spec.ClearError {
		b.Error = nil
	}
	if spec.Error != nil {
		e := *spec.Error
		b.Error = &e
	}
	b.UpdatedAt = r.now()
	return b.Clone(), nil
}

func (r *memoryBatchRepository) CompleteProcessing(ctx context.Context, id uuid.UUID, rows []domain.ReviewRow, artifacts map[string]any) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}
	if item.batch.Status != domain.BatchStatusRunning {
		return item.batch.Clone(), fmt.Errorf("%w: batch %s is %s", ErrBatchStatusConflict, id, item.batch.Status)
	}

	existing := make(map[string]bool, len(item.rows))
	for _, row := range item.rows {
		existing[row.RowID] = true
	}
	for _, row := range rows {
		if existing[row.RowID] {
			continue
		}
		existing[row.RowID] = true
		item.rows = append(item.rows, row.Clone())
	}

	b := &item.batch
	b.Status = domain.BatchStatusReviewReady
	b.ReviewRowsCount = len(item.rows)
	b.Error = nil
	for k, v := range artifacts {
		if b.Artifacts == nil {
			b.Artifacts = map[string]any{}
		}
		b.Artifacts[k] = v
	}
	b.UpdatedAt = r.now()
	return b.Clone(), nil
}

func (r *memoryBatchRepository) UpsertReviewRows(ctx context.Context, id uuid.UUID, rows []domain.ReviewRow, allowed []domain.BatchStatus) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}
	permitted := false
	for _, status := range allowed {
		if status == item.batch.Status {
			permitted = true
			break
		}
	}
	if !permitted {
		return item.batch.Clone(), fmt.Errorf("%w: batch %s is %s", ErrBatchStatusConflict, id, item.batch.Status)
	}

	index := make(map[string]int, len(item.rows))
	for i, row := range item.rows {
		index[row.RowID] = i
	}
	for _, row := range rows {
		if i, found := index[row.RowID]; found {
			item.rows[i] = row.Clone()
			continue
		}
		index[row.RowID] = len(item.rows)
		item.rows = append(item.rows, row.Clone())
	}
	item.batch.ReviewRowsCount = len(item.rows)
	item.batch.UpdatedAt = r.now()
	return item.batch.Clone(), nil
}

func (r *memoryBatchRepository) ListReviewRows(ctx context.Context, id uuid.UUID) ([]domain.ReviewRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	rows := make([]domain.ReviewRow, len(item.rows))
	for i, row := range item.rows {
		rows[i] = row.Clone()
	}
	return rows, nil
}

func (r *memoryBatchRepository) ListReviewRowsByBatchIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]domain.ReviewRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID][]domain.ReviewRow, len(ids))
	for _, id := range ids {
		item, ok := r.batches[id]
		if !ok {
			continue
		}
		rows := make([]domain.ReviewRow, len(item.rows))
		for i, row := range item.rows {
			rows[i] = row.Clone()
		}
		out[id] = rows
	}
	return out, nil
}

func (r *memoryBatchRepository) MergeArtifacts(ctx context.Context, id uuid.UUID, artifacts map[string]any) (domain.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.batches[id]
	if !ok {
		return domain.Batch{}, ErrBatchNotFound
	}
	if item.batch.Artifacts == nil {
		item.batch.Artifacts = map[string]any{}
	}
	for k, v := range artifacts {
		item.batch.Artifacts[k] = v
	}
	item.batch.UpdatedAt = r.now()
	return item.batch.Clone(), nil
}
