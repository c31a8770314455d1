package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rpattn/billflow/internal/db"
	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const batchColumns = `id, batch_type, status, run_date, inputs, metadata, artifacts,
	review_rows_count, merge_output, error, created_at, updated_at`

type batchRepository struct {
	pool *pgxpool.Pool
}

// NewBatchRepository wires a Batch Store backed by pgxpool. Status changes are
// guarded UPDATE statements, so concurrent transitions resolve in the database.
func NewBatchRepository(pool *pgxpool.Pool) BatchRepository {
	return &batchRepository{pool: pool}
}

func (r *batchRepository) Create(ctx context.Context, batch domain.Batch) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	if batch.ID == uuid.Nil {
		batch.ID = uuid.New()
	}
	if batch.Status == "" {
		batch.Status = domain.BatchStatusQueued
	}
	if batch.Metadata == nil {
		batch.Metadata = map[string]any{}
	}
	if batch.Artifacts == nil {
		batch.Artifacts = map[string]any{}
	}
	if batch.Inputs == nil {
		batch.Inputs = []domain.InputFile{}
	}

	inputs, err := json.Marshal(batch.Inputs)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("failed to encode inputs: %w", err)
	}
	metadata, err := json.Marshal(batch.Metadata)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	artifacts, err := json.Marshal(batch.Artifacts)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("failed to encode artifacts: %w", err)
	}

	var runDate any
	if batch.RunDate != nil {
		runDate = batch.RunDate.Time
	}

	row := r.pool.QueryRow(
		ctx,
		`INSERT INTO batches (id, batch_type, status, run_date, inputs, metadata, artifacts)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb)
		 RETURNING `+batchColumns,
		batch.ID,
		string(batch.Type),
		string(batch.Status),
		runDate,
		inputs,
		metadata,
		artifacts,
	)
	created, err := scanBatch(row)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("failed to insert batch: %w", err)
	}
	return created, nil
}

func (r *batchRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, ErrBatchNotFound
		}
		return domain.Batch{}, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

func (r *batchRepository) List(ctx context.Context, statuses []domain.BatchStatus, limit int, offset int) ([]domain.Batch, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("batch repository not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT `+batchColumns+`
		 FROM batches
		 WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		statusStrings(statuses),
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := []domain.Batch{}
	for rows.Next() {
		batch, scanErr := scanBatch(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", scanErr)
		}
		batches = append(batches, batch)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate batches: %w", rowsErr)
	}
	return batches, nil
}

func (r *batchRepository) Transition(ctx context.Context, id uuid.UUID, spec Transition) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	if err := spec.Validate(); err != nil {
		return domain.Batch{}, err
	}

	artifacts := []byte("{}")
	if len(spec.Artifacts) > 0 {
		encoded, err := json.Marshal(spec.Artifacts)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("failed to encode artifacts: %w", err)
		}
		artifacts = encoded
	}
	var mergeOutput any
	if spec.MergeOutput != nil {
		encoded, err := json.Marshal(spec.MergeOutput)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("failed to encode merge output: %w", err)
		}
		mergeOutput = encoded
	}
	var batchError any
	if spec.Error != nil {
		encoded, err := json.Marshal(spec.Error)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("failed to encode batch error: %w", err)
		}
		batchError = encoded
	}

	row := r.pool.QueryRow(
		ctx,
		`UPDATE batches
		 SET status = $3,
		     artifacts = artifacts || $4::jsonb,
		     merge_output = COALESCE($5::jsonb, merge_output),
		     error = CASE
		         WHEN $6::jsonb IS NOT NULL THEN $6::jsonb
		         WHEN $7 THEN NULL
		         ELSE error
		     END,
		     updated_at = NOW()
		 WHERE id = $1
		   AND status = ANY($2::text[])
		   AND (NOT $8 OR review_rows_count > 0)
		 RETURNING `+batchColumns,
		id,
		statusStrings(spec.From),
		string(spec.To),
		artifacts,
		mergeOutput,
		batchError,
		spec.ClearError,
		spec.RequireReviewRows,
	)
	updated, err := scanBatch(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Batch{}, fmt.Errorf("failed to transition batch: %w", err)
	}

	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return domain.Batch{}, getErr
	}
	return current, fmt.Errorf("%w: batch %s is %s, want one of %v", ErrBatchStatusConflict, id, current.Status, spec.From)
}

func (r *batchRepository) CompleteProcessing(ctx context.Context, id uuid.UUID, rows []domain.ReviewRow, artifacts map[string]any) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	encodedArtifacts := []byte("{}")
	if len(artifacts) > 0 {
		encoded, err := json.Marshal(artifacts)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("failed to encode artifacts: %w", err)
		}
		encodedArtifacts = encoded
	}

	var completed domain.Batch
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		status, err := lockBatchStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if status != domain.BatchStatusRunning {
			return fmt.Errorf("%w: batch %s is %s", ErrBatchStatusConflict, id, status)
		}

		// First write wins: rows already stored by an earlier delivery stay.
		if err := insertReviewRows(ctx, tx, id, rows, false); err != nil {
			return err
		}

		row := tx.QueryRow(
			ctx,
			`UPDATE batches
			 SET status = $2,
			     review_rows_count = (SELECT COUNT(*) FROM review_rows WHERE batch_id = $1),
			     artifacts = artifacts || $3::jsonb,
			     error = NULL,
			     updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+batchColumns,
			id,
			string(domain.BatchStatusReviewReady),
			encodedArtifacts,
		)
		completed, err = scanBatch(row)
		if err != nil {
			return fmt.Errorf("failed to complete batch processing: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBatchStatusConflict) {
			current, getErr := r.GetByID(ctx, id)
			if getErr == nil {
				return current, err
			}
		}
		return domain.Batch{}, err
	}
	return completed, nil
}

func (r *batchRepository) UpsertReviewRows(ctx context.Context, id uuid.UUID, rows []domain.ReviewRow, allowed []domain.BatchStatus) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}

	var updated domain.Batch
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		status, err := lockBatchStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		permitted := false
		for _, candidate := range allowed {
			if candidate == status {
				permitted = true
				break
			}
		}
		if !permitted {
			return fmt.Errorf("%w: batch %s is %s", ErrBatchStatusConflict, id, status)
		}

		if err := insertReviewRows(ctx, tx, id, rows, true); err != nil {
			return err
		}

		row := tx.QueryRow(
			ctx,
			`UPDATE batches
			 SET review_rows_count = (SELECT COUNT(*) FROM review_rows WHERE batch_id = $1),
			     updated_at = NOW()
			 WHERE id = $1
			 RETURNING `+batchColumns,
			id,
		)
		updated, err = scanBatch(row)
		if err != nil {
			return fmt.Errorf("failed to refresh review row count: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return updated, nil
}

func (r *batchRepository) ListReviewRows(ctx context.Context, id uuid.UUID) ([]domain.ReviewRow, error) {
	grouped, err := r.ListReviewRowsByBatchIDs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	rows, ok := grouped[id]
	if !ok {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return []domain.ReviewRow{}, nil
	}
	return rows, nil
}

func (r *batchRepository) ListReviewRowsByBatchIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]domain.ReviewRow, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("batch repository not initialized")
	}
	out := make(map[uuid.UUID][]domain.ReviewRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(
		ctx,
		`SELECT batch_id, row_id, category, filename, result, score, preview_path
		 FROM review_rows
		 WHERE batch_id = ANY($1::uuid[])
		 ORDER BY batch_id, position, row_id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list review rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			batchID     uuid.UUID
			row         domain.ReviewRow
			category    string
			resultJSON  []byte
			scoreJSON   []byte
			previewPath pgtype.Text
		)
		if scanErr := rows.Scan(&batchID, &row.RowID, &category, &row.Filename, &resultJSON, &scoreJSON, &previewPath); scanErr != nil {
			return nil, fmt.Errorf("failed to scan review row: %w", scanErr)
		}
		row.Category = domain.Category(category)
		if err := json.Unmarshal(resultJSON, &row.Result); err != nil {
			return nil, fmt.Errorf("failed to decode review row result: %w", err)
		}
		if len(scoreJSON) > 0 {
			if err := json.Unmarshal(scoreJSON, &row.Score); err != nil {
				return nil, fmt.Errorf("failed to decode review row score: %w", err)
			}
		}
		if previewPath.Valid {
			value := previewPath.String
			row.PreviewPath = &value
		}
		out[batchID] = append(out[batchID], row)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate review rows: %w", rowsErr)
	}
	return out, nil
}

func (r *batchRepository) MergeArtifacts(ctx context.Context, id uuid.UUID, artifacts map[string]any) (domain.Batch, error) {
	if r.pool == nil {
		return domain.Batch{}, fmt.Errorf("batch repository not initialized")
	}
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("failed to encode artifacts: %w", err)
	}
	row := r.pool.QueryRow(
		ctx,
		`UPDATE batches
		 SET artifacts = artifacts || $2::jsonb, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+batchColumns,
		id,
		encoded,
	)
	updated, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, ErrBatchNotFound
		}
		return domain.Batch{}, fmt.Errorf("failed to merge artifacts: %w", err)
	}
	return updated, nil
}

func lockBatchStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID) (domain.BatchStatus, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM batches WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrBatchNotFound
		}
		return "", fmt.Errorf("failed to lock batch: %w", err)
	}
	return domain.BatchStatus(status), nil
}

func insertReviewRows(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, rows []domain.ReviewRow, replace bool) error {
	if len(rows) == 0 {
		return nil
	}

	var next int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(position), 0) FROM review_rows WHERE batch_id = $1`, batchID).Scan(&next); err != nil {
		return fmt.Errorf("failed to read review row position: %w", err)
	}

	conflict := `ON CONFLICT (batch_id, row_id) DO NOTHING`
	if replace {
		conflict = `ON CONFLICT (batch_id, row_id) DO UPDATE
		 SET category = EXCLUDED.category,
		     filename = EXCLUDED.filename,
		     result = EXCLUDED.result,
		     score = EXCLUDED.score,
		     preview_path = EXCLUDED.preview_path,
		     updated_at = NOW()`
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		next++
		result, err := json.Marshal(row.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result for %s: %w", row.RowID, err)
		}
		score := row.Score
		if score == nil {
			score = map[string]float64{}
		}
		encodedScore, err := json.Marshal(score)
		if err != nil {
			return fmt.Errorf("failed to encode score for %s: %w", row.RowID, err)
		}
		var preview any
		if row.PreviewPath != nil {
			preview = *row.PreviewPath
		}
		batch.Queue(
			`INSERT INTO review_rows (batch_id, row_id, position, category, filename, result, score, preview_path)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8) `+conflict,
			batchID,
			row.RowID,
			next,
			string(row.Category),
			row.Filename,
			result,
			encodedScore,
			preview,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("failed to write review row: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to write review rows: %w", err)
	}
	return nil
}

func scanBatch(row pgx.Row) (domain.Batch, error) {
	var (
		batch         domain.Batch
		batchType     string
		status        string
		runDate       pgtype.Date
		inputsJSON    []byte
		metadataJSON  []byte
		artifactsJSON []byte
		mergeJSON     []byte
		errorJSON     []byte
		createdAt     pgtype.Timestamptz
		updatedAt     pgtype.Timestamptz
	)
	if err := row.Scan(
		&batch.ID,
		&batchType,
		&status,
		&runDate,
		&inputsJSON,
		&metadataJSON,
		&artifactsJSON,
		&batch.ReviewRowsCount,
		&mergeJSON,
		&errorJSON,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.Batch{}, err
	}

	batch.Type = domain.BatchType(batchType)
	batch.Status = domain.BatchStatus(status)
	if runDate.Valid {
		t := runDate.Time
		rd := domain.NewRunDate(t.Year(), t.Month(), t.Day())
		batch.RunDate = &rd
	}
	if err := decodeJSON(inputsJSON, &batch.Inputs); err != nil {
		return domain.Batch{}, fmt.Errorf("decode inputs: %w", err)
	}
	if err := decodeJSON(metadataJSON, &batch.Metadata); err != nil {
		return domain.Batch{}, fmt.Errorf("decode metadata: %w", err)
	}
	if err := decodeJSON(artifactsJSON, &batch.Artifacts); err != nil {
		return domain.Batch{}, fmt.Errorf("decode artifacts: %w", err)
	}
	if len(mergeJSON) > 0 {
		var out domain.MergeOutput
		if err := json.Unmarshal(mergeJSON, &out); err != nil {
			return domain.Batch{}, fmt.Errorf("decode merge output: %w", err)
		}
		batch.MergeOutput = &out
	}
	if len(errorJSON) > 0 {
		var info domain.ErrorInfo
		if err := json.Unmarshal(errorJSON, &info); err != nil {
			return domain.Batch{}, fmt.Errorf("decode batch error: %w", err)
		}
		batch.Error = &info
	}
	if createdAt.Valid {
		batch.CreatedAt = createdAt.Time.UTC()
	}
	if updatedAt.Valid {
		batch.UpdatedAt = updatedAt.Time.UTC()
	}
	if batch.Metadata == nil {
		batch.Metadata = map[string]any{}
	}
	if batch.Artifacts == nil {
		batch.Artifacts = map[string]any{}
	}
	return batch, nil
}

func decodeJSON(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}
