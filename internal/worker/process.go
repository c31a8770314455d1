package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/extraction"
	"github.com/rpattn/billflow/internal/repository"

	"golang.org/x/sync/errgroup"
)

type fileFailure struct {
	index    int
	filename string
	err      *extraction.Error
}

func (p *Pool) handleProcess(ctx context.Context, task domain.Task, logger *slog.Logger) {
	batch, err := p.store.GetByID(ctx, task.BatchID)
	if err != nil {
		logger.Error("failed to load batch", "error", err)
		return
	}

	switch batch.Status {
	case domain.BatchStatusQueued:
		batch, err = p.store.Transition(ctx, batch.ID, repository.Transition{
			From: []domain.BatchStatus{domain.BatchStatusQueued},
			To:   domain.BatchStatusRunning,
		})
		if err != nil {
			if errors.Is(err, repository.ErrBatchStatusConflict) {
				logger.Info("batch already picked up", "status", batch.Status)
				return
			}
			logger.Error("failed to mark batch running", "error", err)
			return
		}
	case domain.BatchStatusRunning:
		// A first delivery never finds the batch running; a redelivery does
		// when the previous attempt died mid-extraction.
		if task.Attempt <= 1 {
			logger.Info("batch already running, skipping")
			return
		}
		logger.Warn("resuming batch after redelivery")
	default:
		logger.Info("process task is stale, skipping", "status", batch.Status)
		return
	}

	started := p.now()
	rows, failures := p.extractAll(ctx, batch)
	if len(failures) > 0 {
		first := failures[0]
		details := map[string]any{
			"row_id":   domain.RowID(first.index + 1),
			"filename": first.filename,
		}
		if len(failures) > 1 {
			all := make([]map[string]any, 0, len(failures))
			for _, f := range failures {
				all = append(all, map[string]any{
					"row_id":   domain.RowID(f.index + 1),
					"filename": f.filename,
					"code":     string(f.err.Kind),
					"message":  f.err.Message,
				})
			}
			details["failures"] = all
		}
		p.fail(ctx, batch.ID, []domain.BatchStatus{domain.BatchStatusRunning}, &domain.ErrorInfo{
			Code:    string(first.err.Kind),
			Message: fmt.Sprintf("%s: %s", first.filename, first.err.Message),
			Details: details,
		})
		return
	}

	artifacts, err := p.writeProcessArtifacts(batch, rows)
	if err != nil {
		logger.Warn("failed to write processing artifacts", "error", err)
	}

	updated, err := p.store.CompleteProcessing(ctx, batch.ID, rows, artifacts)
	if err != nil {
		if errors.Is(err, repository.ErrBatchStatusConflict) {
			logger.Info("batch moved on during processing", "error", err)
			return
		}
		logger.Error("failed to store review rows", "error", err)
		p.fail(context.WithoutCancel(ctx), batch.ID, []domain.BatchStatus{domain.BatchStatusRunning}, &domain.ErrorInfo{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("failed to store review rows: %v", err),
		})
		return
	}
	logger.Info("batch ready for review", "rows", updated.ReviewRowsCount, "elapsed", time.Since(started).String())
}

// extractAll calls the extractor for every input with bounded parallelism.
// All files are attempted; failures come back ordered by input position.
func (p *Pool) extractAll(ctx context.Context, batch domain.Batch) ([]domain.ReviewRow, []fileFailure) {
	rows := make([]domain.ReviewRow, len(batch.Inputs))
	var (
		mu       sync.Mutex
		failures []fileFailure
		panicked any
	)

	var g errgroup.Group
	g.SetLimit(p.fileConcurrency)
	for i, input := range batch.Inputs {
		i, input := i, input
		category := batch.EffectiveCategory(input)
		filename := filepath.Base(input.Path)
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					mu.Lock()
					panicked = rec
					mu.Unlock()
				}
			}()
			res, err := p.extractor.Extract(ctx, extraction.Input{
				Path:      input.Path,
				Category:  category,
				BatchType: batch.Type,
			})
			if err != nil {
				mu.Lock()
				failures = append(failures, fileFailure{index: i, filename: filename, err: extraction.Classify(err)})
				mu.Unlock()
				return nil
			}
			rows[i] = buildRow(i, batch, input, category, res)
			return nil
		})
	}
	_ = g.Wait()
	if panicked != nil {
		// Re-raised on the handler goroutine so the batch is failed as internal.
		panic(panicked)
	}

	if len(failures) > 0 {
		sortFailures(failures)
		return nil, failures
	}
	return rows, nil
}

func buildRow(index int, batch domain.Batch, input domain.InputFile, category domain.Category, res extraction.Result) domain.ReviewRow {
	result := make(map[string]any, len(res.Fields)+1)
	for k, v := range res.Fields {
		result[k] = v
	}
	if batch.RunDate != nil {
		result["run_date"] = batch.RunDate.String()
	}
	score := make(map[string]float64, len(res.Confidence))
	for k, v := range res.Confidence {
		score[k] = v
	}
	preview := input.Path
	return domain.ReviewRow{
		RowID:       domain.RowID(index + 1),
		Category:    category,
		Filename:    filepath.Base(input.Path),
		Result:      result,
		Score:       score,
		PreviewPath: &preview,
	}
}

func sortFailures(failures []fileFailure) {
	for i := 1; i < len(failures); i++ {
		for j := i; j > 0 && failures[j].index < failures[j-1].index; j-- {
			failures[j], failures[j-1] = failures[j-1], failures[j]
		}
	}
}

func (p *Pool) batchDir(batch domain.Batch) string {
	if p.dataDir == "" {
		return ""
	}
	return filepath.Join(p.dataDir, batch.ID.String())
}

type resultsFile struct {
	BatchID     string             `json:"batch_id"`
	BatchType   domain.BatchType   `json:"batch_type"`
	RunDate     *domain.RunDate    `json:"run_date"`
	Inputs      []domain.InputFile `json:"inputs"`
	Items       []domain.ReviewRow `json:"items"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// writeProcessArtifacts snapshots extraction output next to the batch inputs.
func (p *Pool) writeProcessArtifacts(batch domain.Batch, rows []domain.ReviewRow) (map[string]any, error) {
	dir := p.batchDir(batch)
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}

	resultsPath := filepath.Join(dir, "results.json")
	if err := writeJSONFile(resultsPath, resultsFile{
		BatchID:     batch.ID.String(),
		BatchType:   batch.Type,
		RunDate:     batch.RunDate,
		Inputs:      batch.Inputs,
		Items:       rows,
		GeneratedAt: p.now().UTC(),
	}); err != nil {
		return nil, err
	}
	reviewPath := filepath.Join(dir, "review_rows.json")
	if err := writeJSONFile(reviewPath, rows); err != nil {
		return nil, err
	}
	return map[string]any{
		"result_json_path": resultsPath,
		"review_json_path": reviewPath,
	}, nil
}

func writeJSONFile(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
