package repository

import (
	"context"
	"errors"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
)

var (
	// ErrBatchNotFound indicates that no batch exists for the identifier.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchStatusConflict indicates that a batch cannot transition from its current state.
	ErrBatchStatusConflict = errors.New("batch status conflict")
)

// BatchRepository is the Batch Store: the single source of truth for batch
// lifecycle state and the review rows that belong to each batch.
type BatchRepository interface {
	Create(ctx context.Context, batch domain.Batch) (domain.Batch, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error)
	List(ctx context.Context, statuses []domain.BatchStatus, limit int, offset int) ([]domain.Batch, error)

	// Transition atomically moves the batch to spec.To when its current status
	// is one of spec.From. Exactly one of any set of concurrent callers
	// racing on the same edge succeeds; the others get ErrBatchStatusConflict.
	Transition(ctx context.Context, id uuid.UUID, spec Transition) (domain.Batch, error)

	// CompleteProcessing persists extraction rows (first write wins per row_id)
	// and moves the batch from running to review_ready in one step.
	CompleteProcessing(ctx context.Context, id uuid.UUID, rows []domain.ReviewRow, artifacts map[string]any) (domain.Batch, error)

	// UpsertReviewRows replaces rows by row_id and refreshes review_rows_count.
	// The status is never changed; it must be one of allowed at write time.
	UpsertReviewRows(ctx context.Context, id uuid.UUID, rows []domain.ReviewRow, allowed []domain.BatchStatus) (domain.Batch, error)

	ListReviewRows(ctx context.Context, id uuid.UUID) ([]domain.ReviewRow, error)
	ListReviewRowsByBatchIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]domain.ReviewRow, error)

	// MergeArtifacts adds keys to the artifact map without touching status.
	MergeArtifacts(ctx context.Context, id uuid.UUID, artifacts map[string]any) (domain.Batch, error)
}

// Transition describes a guarded status change plus the fields written with it.
type Transition struct {
	From []domain.BatchStatus
	To   domain.BatchStatus

	// RequireReviewRows makes the change conditional on review_rows_count > 0.
	RequireReviewRows bool

	Artifacts   map[string]any
	MergeOutput *domain.MergeOutput
	Error       *domain.ErrorInfo
	// ClearError drops a previously recorded error (e.g. on merge retry).
	ClearError bool
}

// Validate checks every edge of the transition against the lifecycle graph.
func (t Transition) Validate() error {
	if len(t.From) == 0 {
		return errors.New("transition requires at least one source status")
	}
	for _, from := range t.From {
		if err := domain.ValidateTransition(from, t.To); err != nil {
			return err
		}
	}
	return nil
}

func (t Transition) allows(status domain.BatchStatus) bool {
	for _, from := range t.From {
		if from == status {
			return true
		}
	}
	return false
}

func statusStrings(statuses []domain.BatchStatus) []string {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	return values
}
