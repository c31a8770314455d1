// Package merge turns reviewed rows into ledger rows and writes them. It
// decides, from the batch status alone, whether a merge task has work to do.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/ledger"
)

// Options tunes the orchestrator. Zero values use the defaults.
type Options struct {
	Timeout         time.Duration
	ReviewThreshold float64
	Now             func() time.Time
}

// Request is one merge execution.
type Request struct {
	Batch     domain.Batch
	Rows      []domain.ReviewRow
	Record    domain.MergeRecord
	OutputDir string
}

// Outcome is the result of Execute. Cached is set when the batch had already
// been merged and nothing was written.
type Outcome struct {
	Output domain.MergeOutput
	Cached bool
}

// Orchestrator executes merges against a ledger.Writer.
type Orchestrator struct {
	writer    ledger.Writer
	timeout   time.Duration
	threshold float64
	now       func() time.Time
	logger    *slog.Logger
}

// NewOrchestrator builds an orchestrator. The default timeout is two minutes.
func NewOrchestrator(writer ledger.Writer, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.ReviewThreshold <= 0 {
		opts.ReviewThreshold = domain.DefaultReviewThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		writer:    writer,
		timeout:   opts.Timeout,
		threshold: opts.ReviewThreshold,
		now:       opts.Now,
		logger:    slog.With("component", "merge"),
	}
}

// Execute merges the batch when it is merging and returns the cached output
// when it is already merged. Any other status yields ErrNotMerging. Failures
// are *Error values.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Outcome, error) {
	batch := req.Batch
	switch batch.Status {
	case domain.BatchStatusMerged:
		if batch.MergeOutput != nil {
			return Outcome{Output: batch.MergeOutput.Clone(), Cached: true}, nil
		}
		return Outcome{}, fmt.Errorf("%w: batch %s is merged without a recorded output", ErrNotMerging, batch.ID)
	case domain.BatchStatusMerging:
	default:
		return Outcome{}, fmt.Errorf("%w: batch %s is %s", ErrNotMerging, batch.ID, batch.Status)
	}

	if !req.Record.Mode.Valid() {
		return Outcome{}, &Error{Code: CodeMergeFailed, Message: fmt.Sprintf("unsupported merge mode %q", req.Record.Mode)}
	}
	if req.Record.LedgerTarget == "" {
		return Outcome{}, &Error{Code: CodeLedgerNotFound, Message: "no ledger target was resolved for this merge"}
	}
	if batch.RunDate == nil {
		return Outcome{}, &Error{Code: CodePeriodNotFound, Message: "batch has no run_date to locate the ledger period"}
	}
	period := batch.RunDate.String()

	var (
		rows     []ledger.Row
		counts   map[domain.Category]int
		warnings []string
	)
	switch batch.Type {
	case domain.BatchTypeDaily:
		var row ledger.Row
		row, counts, warnings = dailyRow(period, req.Rows, o.threshold)
		if counts[domain.CategoryZBon]+counts[domain.CategoryBar] > 0 {
			rows = []ledger.Row{row}
		}
	case domain.BatchTypeOffice:
		rows, counts = officeRows(period, req.Rows, o.threshold)
		if len(rows) > 0 && req.Record.Mode == domain.MergeModeOverwrite {
			rows = []ledger.Row{collapse(period, rows)}
		}
	default:
		return Outcome{}, &Error{Code: CodeMergeFailed, Message: fmt.Sprintf("unsupported batch type %q", batch.Type)}
	}
	if len(rows) == 0 {
		return Outcome{}, &Error{Code: CodeNoMergeableRows, Message: fmt.Sprintf("no %s review rows available for merge", batch.Type)}
	}

	res, err := o.write(ctx, ledger.WriteRequest{
		SourcePath: req.Record.LedgerTarget,
		OutputDir:  req.OutputDir,
		Period:     *batch.RunDate,
		Mode:       req.Record.Mode,
		Rows:       rows,
	})
	if err != nil {
		return Outcome{}, classify(err)
	}

	output := domain.MergeOutput{
		LedgerPath:       res.LedgerPath,
		SourceLedgerPath: req.Record.LedgerTarget,
		Mode:             req.Record.Mode,
		RowsWritten:      res.RowsWritten,
		RowsReplaced:     res.RowsReplaced,
		RowCounts:        counts,
		Warnings:         append(warnings, res.Warnings...),
		Record:           req.Record.Clone(),
		MergedAt:         o.now().UTC(),
	}
	if req.OutputDir != "" {
		summary, err := writeSummary(req.OutputDir, batch, output)
		if err != nil {
			o.logger.Warn("failed to write merge summary", "batchID", batch.ID, "error", err)
		} else {
			output.SummaryPath = summary
		}
	}

	o.logger.Info("merge complete",
		"batchID", batch.ID,
		"mode", output.Mode,
		"ledger", output.LedgerPath,
		"rowsWritten", output.RowsWritten,
		"rowsReplaced", output.RowsReplaced,
	)
	return Outcome{Output: output}, nil
}

// write runs the ledger write under the merge timeout. It returns as soon as
// the deadline passes even if the writer is still busy.
func (o *Orchestrator) write(ctx context.Context, req ledger.WriteRequest) (ledger.WriteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type result struct {
		res ledger.WriteResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := o.writer.Write(ctx, req)
		done <- result{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ledger.WriteResult{}, &Error{
				Code:    CodeMergeTimeout,
				Message: fmt.Sprintf("merge did not finish within %s", o.timeout),
				Err:     ctx.Err(),
			}
		}
		return ledger.WriteResult{}, ctx.Err()
	}
}

type mergeSummary struct {
	BatchID          string           `json:"batch_id"`
	Mode             domain.MergeMode `json:"mode"`
	MonthlyExcelPath string           `json:"monthly_excel_path"`
	MergedExcelPath  string           `json:"merged_excel_path"`
	ReviewRowsCount  int              `json:"review_rows_count"`
	RowsWritten      int              `json:"rows_written"`
	RowsReplaced     int              `json:"rows_replaced"`
	Warnings         []string         `json:"warnings,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

func writeSummary(dir string, batch domain.Batch, output domain.MergeOutput) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	payload, err := json.MarshalIndent(mergeSummary{
		BatchID:          batch.ID.String(),
		Mode:             output.Mode,
		MonthlyExcelPath: output.SourceLedgerPath,
		MergedExcelPath:  output.LedgerPath,
		ReviewRowsCount:  batch.ReviewRowsCount,
		RowsWritten:      output.RowsWritten,
		RowsReplaced:     output.RowsReplaced,
		Warnings:         output.Warnings,
		GeneratedAt:      output.MergedAt,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "merge_summary.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
