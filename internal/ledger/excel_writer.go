package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/xuri/excelize/v2"
)

// ExcelWriter writes ledgers with excelize.
type ExcelWriter struct {
	now  func() time.Time
	stat func(string) (fs.FileInfo, error)
}

// NewExcelWriter returns a writer that stamps output names with the wall clock.
func NewExcelWriter() *ExcelWriter {
	return &ExcelWriter{now: time.Now, stat: os.Stat}
}

type sheetLayout struct {
	name    string
	columns map[string]int // normalised header -> 1-based column
	rows    [][]string
}

func (w *ExcelWriter) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if !req.Mode.Valid() {
		return WriteResult{}, fmt.Errorf("unsupported merge mode %q", req.Mode)
	}
	if len(req.Rows) == 0 {
		return WriteResult{}, errors.New("no rows to write")
	}
	if _, err := os.Stat(req.SourcePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return WriteResult{}, fmt.Errorf("%w: %s", ErrLedgerNotFound, req.SourcePath)
		}
		return WriteResult{}, fmt.Errorf("stat ledger: %w", err)
	}

	f, err := excelize.OpenFile(req.SourcePath)
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: open %s: %v", ErrLedgerInvalid, filepath.Base(req.SourcePath), err)
	}
	defer func() { _ = f.Close() }()

	layout, err := readLayout(f)
	if err != nil {
		return WriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	period := req.Period.String()
	matches := layout.periodRows(period)
	if len(matches) == 0 {
		return WriteResult{}, fmt.Errorf("%w: no %s row for %s in %s", ErrPeriodNotFound, ColumnDatum, period, filepath.Base(req.SourcePath))
	}

	result := WriteResult{}
	missing := map[string]bool{}

	switch req.Mode {
	case domain.MergeModeOverwrite:
		if len(req.Rows) != 1 {
			return WriteResult{}, fmt.Errorf("overwrite expects exactly one derived row, got %d", len(req.Rows))
		}
		target := matches[0]
		if err := writeRow(f, layout, target, req.Rows[0], false, missing); err != nil {
			return WriteResult{}, err
		}
		// Extra rows for the same period collapse into the one just written.
		for i := len(matches) - 1; i >= 1; i-- {
			if err := f.RemoveRow(layout.name, matches[i]); err != nil {
				return WriteResult{}, fmt.Errorf("remove duplicate period row: %w", err)
			}
		}
		result.RowsWritten = 1
		result.RowsReplaced = len(matches)

	case domain.MergeModeAppend:
		next := len(layout.rows) + 1
		for _, row := range req.Rows {
			if err := writeRow(f, layout, next, row, true, missing); err != nil {
				return WriteResult{}, err
			}
			next++
		}
		result.RowsWritten = len(req.Rows)
	}

	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	for _, header := range sortedKeys(missing) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("column %q not found in ledger", header))
	}

	out, err := w.outputPath(req)
	if err != nil {
		return WriteResult{}, err
	}
	if err := f.SaveAs(out); err != nil {
		return WriteResult{}, fmt.Errorf("save ledger: %w", err)
	}
	result.LedgerPath = out
	return result, nil
}

func readLayout(f *excelize.File) (sheetLayout, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return sheetLayout{}, fmt.Errorf("%w: workbook has no sheets", ErrLedgerInvalid)
	}
	name := sheets[0]
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return sheetLayout{}, fmt.Errorf("%w: read rows: %v", ErrLedgerInvalid, err)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return sheetLayout{}, fmt.Errorf("%w: missing header row", ErrLedgerInvalid)
	}
	if NormalizeHeader(rows[0][0]) != NormalizeHeader(ColumnDatum) {
		return sheetLayout{}, fmt.Errorf("%w: first column must be %s, got %q", ErrLedgerInvalid, ColumnDatum, rows[0][0])
	}

	columns := make(map[string]int, len(rows[0]))
	for i, header := range rows[0] {
		key := NormalizeHeader(header)
		if key == "" {
			continue
		}
		if _, exists := columns[key]; !exists {
			columns[key] = i + 1
		}
	}
	return sheetLayout{name: name, columns: columns, rows: rows}, nil
}

// periodRows returns 1-based sheet rows whose Datum matches period.
func (l sheetLayout) periodRows(period string) []int {
	var matches []int
	for i := 1; i < len(l.rows); i++ {
		if len(l.rows[i]) == 0 {
			continue
		}
		if date, ok := NormalizeDate(l.rows[i][0]); ok && date == period {
			matches = append(matches, i+1)
		}
	}
	return matches
}

func writeRow(f *excelize.File, layout sheetLayout, rowIndex int, row Row, writeDatum bool, missing map[string]bool) error {
	for _, header := range sortedAnyKeys(row.Values) {
		col, ok := layout.columns[NormalizeHeader(header)]
		if !ok {
			missing[header] = true
			continue
		}
		if col == 1 && !writeDatum {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(col, rowIndex)
		if err != nil {
			return fmt.Errorf("resolve cell: %w", err)
		}
		value := row.Values[header]
		if value == nil {
			err = f.SetCellStr(layout.name, cell, "")
		} else {
			err = f.SetCellValue(layout.name, cell, value)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", cell, err)
		}
		if link, ok := row.Links[header]; ok && link != "" {
			if err := f.SetCellHyperLink(layout.name, cell, link, "External"); err != nil {
				return fmt.Errorf("link %s: %w", cell, err)
			}
		}
	}
	return nil
}

func (w *ExcelWriter) outputPath(req WriteRequest) (string, error) {
	dir := req.OutputDir
	if dir == "" {
		dir = filepath.Dir(req.SourcePath)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	stat := w.stat
	if stat == nil {
		stat = os.Stat
	}
	stamp := w.now().Unix()
	source, _ := filepath.Abs(req.SourcePath)
	for attempt := 0; ; attempt++ {
		name := fmt.Sprintf("full_result_%d.xlsx", stamp)
		if attempt > 0 {
			name = fmt.Sprintf("full_result_%d_%d.xlsx", stamp, attempt)
		}
		candidate := filepath.Join(dir, name)
		abs, _ := filepath.Abs(candidate)
		if abs == source {
			continue
		}
		_, err := stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("check output path: %w", err)
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedAnyKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
