package rowloader

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

// ReviewRowLoader batches review-row reads for many batches into one store call.
type ReviewRowLoader struct {
	Loader *dataloader.Loader
}

func NewReviewRowLoader(repo repository.BatchRepository) *ReviewRowLoader {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]uuid.UUID, len(keys))
		for i, k := range keys {
			id, err := uuid.Parse(k.String())
			if err != nil {
				return errorResults(len(keys), fmt.Errorf("invalid batch id %q: %w", k.String(), err))
			}
			ids[i] = id
		}

		rowsByBatch, err := repo.ListReviewRowsByBatchIDs(ctx, ids)
		if err != nil {
			return errorResults(len(keys), err)
		}

		// Results must line up with keys.
		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			rows := rowsByBatch[id]
			if rows == nil {
				rows = []domain.ReviewRow{}
			}
			results[i] = &dataloader.Result{Data: rows}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))
	return &ReviewRowLoader{Loader: loader}
}

// Load returns the review rows of one batch, coalesced with concurrent loads.
func (l *ReviewRowLoader) Load(ctx context.Context, id uuid.UUID) ([]domain.ReviewRow, error) {
	value, err := l.Loader.Load(ctx, dataloader.StringKey(id.String()))()
	if err != nil {
		return nil, err
	}
	rows, _ := value.([]domain.ReviewRow)
	return rows, nil
}

// LoadMany returns rows for every id, in id order.
func (l *ReviewRowLoader) LoadMany(ctx context.Context, ids []uuid.UUID) ([][]domain.ReviewRow, error) {
	keys := make(dataloader.Keys, len(ids))
	for i, id := range ids {
		keys[i] = dataloader.StringKey(id.String())
	}
	values, errs := l.Loader.LoadMany(ctx, keys)()
	out := make([][]domain.ReviewRow, len(ids))
	for i := range ids {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		out[i], _ = values[i].([]domain.ReviewRow)
	}
	return out, nil
}

func errorResults(n int, err error) []*dataloader.Result {
	results := make([]*dataloader.Result, n)
	for i := range results {
		results[i] = &dataloader.Result{Error: err}
	}
	return results
}
