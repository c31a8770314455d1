package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/merge"
	"github.com/rpattn/billflow/internal/repository"
)

func (p *Pool) handleMerge(ctx context.Context, task domain.Task, logger *slog.Logger) {
	batch, err := p.store.GetByID(ctx, task.BatchID)
	if err != nil {
		logger.Error("failed to load batch", "error", err)
		return
	}

	var (
		rows   []domain.ReviewRow
		record domain.MergeRecord
	)
	if batch.Status == domain.BatchStatusMerging {
		if task.Merge == nil {
			p.fail(ctx, batch.ID, []domain.BatchStatus{domain.BatchStatusMerging}, &domain.ErrorInfo{
				Code:    merge.CodeMergeFailed,
				Message: "merge task carries no merge record",
			})
			return
		}
		record = task.Merge.Clone()
		rows, err = p.store.ListReviewRows(ctx, batch.ID)
		if err != nil {
			logger.Error("failed to load review rows", "error", err)
			p.fail(context.WithoutCancel(ctx), batch.ID, []domain.BatchStatus{domain.BatchStatusMerging}, &domain.ErrorInfo{
				Code:    CodeInternalError,
				Message: "failed to load review rows for merge",
			})
			return
		}
	}

	outcome, err := p.merger.Execute(ctx, merge.Request{
		Batch:     batch,
		Rows:      rows,
		Record:    record,
		OutputDir: p.batchDir(batch),
	})
	if err != nil {
		if errors.Is(err, merge.ErrNotMerging) {
			logger.Info("merge task is stale, skipping", "status", batch.Status)
			return
		}
		info := &domain.ErrorInfo{Code: merge.CodeMergeFailed, Message: err.Error()}
		var mergeErr *merge.Error
		if errors.As(err, &mergeErr) {
			info = &domain.ErrorInfo{Code: mergeErr.Code, Message: mergeErr.Message}
		}
		info.Details = map[string]any{"ledger_target": record.LedgerTarget, "mode": string(record.Mode)}
		p.fail(context.WithoutCancel(ctx), batch.ID, []domain.BatchStatus{domain.BatchStatusMerging}, info)
		return
	}
	if outcome.Cached {
		logger.Info("batch already merged, returning cached output", "ledger", outcome.Output.LedgerPath)
		return
	}

	artifacts := map[string]any{"merged_excel_path": outcome.Output.LedgerPath}
	if outcome.Output.SummaryPath != "" {
		artifacts["merge_summary_path"] = outcome.Output.SummaryPath
	}
	output := outcome.Output
	if _, err := p.store.Transition(context.WithoutCancel(ctx), batch.ID, repository.Transition{
		From:        []domain.BatchStatus{domain.BatchStatusMerging},
		To:          domain.BatchStatusMerged,
		Artifacts:   artifacts,
		MergeOutput: &output,
		ClearError:  true,
	}); err != nil {
		logger.Error("failed to record merge output", "error", err)
		return
	}
	logger.Info("batch merged", "ledger", output.LedgerPath, "rowsWritten", output.RowsWritten)
}
