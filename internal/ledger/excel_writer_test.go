package ledger

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/xuri/excelize/v2"
)

func writeFixture(t *testing.T, headers []string, rows ...[]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetList()[0]

	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		values := row
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			t.Fatalf("write row: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "monthly.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save fixture: %v", err)
	}
	return path
}

func readSheet(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(f.GetSheetList()[0])
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	return rows
}

func fixedWriter() *ExcelWriter {
	return &ExcelWriter{now: func() time.Time { return time.Unix(1770000000, 0) }}
}

func TestExcelWriter_OverwriteReplacesPeriodRow(t *testing.T) {
	source := writeFixture(t, DailyHeaders(),
		[]any{"03/02/2026", 50.0},
		[]any{"04.02.2026", 1.0},
		[]any{"05/02/2026", 70.0},
	)
	outDir := t.TempDir()

	res, err := fixedWriter().Write(context.Background(), WriteRequest{
		SourcePath: source,
		OutputDir:  outDir,
		Period:     domain.NewRunDate(2026, time.February, 4),
		Mode:       domain.MergeModeOverwrite,
		Rows: []Row{{Values: map[string]any{
			ColumnDatum:        "04/02/2026",
			ColumnUmsatzBrutto: 119.0,
			ColumnUmsatzNetto:  100.0,
			"Not A Column":     "x",
		}}},
	})
	if err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	if res.RowsWritten != 1 || res.RowsReplaced != 1 {
		t.Fatalf("unexpected counts %+v", res)
	}
	if filepath.Dir(res.LedgerPath) != outDir || filepath.Base(res.LedgerPath) != "full_result_1770000000.xlsx" {
		t.Fatalf("unexpected output path %s", res.LedgerPath)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one missing-column warning, got %v", res.Warnings)
	}

	rows := readSheet(t, res.LedgerPath)
	if len(rows) != 4 {
		t.Fatalf("expected row count unchanged, got %d", len(rows))
	}
	if rows[2][1] != "119" || rows[2][2] != "100" {
		t.Fatalf("period row not replaced: %v", rows[2])
	}
	if rows[1][1] != "50" || rows[3][1] != "70" {
		t.Fatalf("neighbouring rows changed: %v %v", rows[1], rows[3])
	}

	// The source workbook is left as it was.
	original := readSheet(t, source)
	if original[2][1] != "1" {
		t.Fatalf("source ledger was modified: %v", original[2])
	}
}

func TestExcelWriter_OverwriteCollapsesDuplicatePeriodRows(t *testing.T) {
	source := writeFixture(t, OfficeHeaders(),
		[]any{"04/02/2026", "Miete", "A", 10.0},
		[]any{"04/02/2026", "Strom", "B", 20.0},
		[]any{"06/02/2026", "Wasser", "C", 30.0},
	)
	res, err := fixedWriter().Write(context.Background(), WriteRequest{
		SourcePath: source,
		OutputDir:  t.TempDir(),
		Period:     domain.NewRunDate(2026, time.February, 4),
		Mode:       domain.MergeModeOverwrite,
		Rows:       []Row{{Values: map[string]any{ColumnSender: "A; B", ColumnBrutto: 35.0}}},
	})
	if err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	if res.RowsReplaced != 2 {
		t.Fatalf("expected two replaced rows, got %d", res.RowsReplaced)
	}
	rows := readSheet(t, res.LedgerPath)
	if len(rows) != 3 {
		t.Fatalf("expected duplicates collapsed to one row, got %d rows", len(rows))
	}
	if rows[1][2] != "A; B" || rows[1][3] != "35" || rows[2][0] != "06/02/2026" {
		t.Fatalf("unexpected rows %v", rows)
	}
}

func TestExcelWriter_AppendLeavesExistingRows(t *testing.T) {
	source := writeFixture(t, OfficeHeaders(), []any{"04/02/2026", "Miete", "A", 10.0})
	res, err := fixedWriter().Write(context.Background(), WriteRequest{
		SourcePath: source,
		OutputDir:  t.TempDir(),
		Period:     domain.NewRunDate(2026, time.February, 4),
		Mode:       domain.MergeModeAppend,
		Rows: []Row{
			{Values: map[string]any{ColumnDatum: "04/02/2026", ColumnSender: "B", ColumnBrutto: 5.0}},
			{
				Values: map[string]any{ColumnDatum: "04/02/2026", ColumnSender: "C", ColumnScan: "c.pdf"},
				Links:  map[string]string{ColumnScan: "file:///data/c.pdf"},
			},
		},
	})
	if err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	if res.RowsWritten != 2 || res.RowsReplaced != 0 {
		t.Fatalf("unexpected counts %+v", res)
	}
	rows := readSheet(t, res.LedgerPath)
	if len(rows) != 4 || rows[1][2] != "A" || rows[2][2] != "B" || rows[3][2] != "C" {
		t.Fatalf("unexpected rows %v", rows)
	}

	f, _ := excelize.OpenFile(res.LedgerPath)
	defer func() { _ = f.Close() }()
	ok, target, err := f.GetCellHyperLink(f.GetSheetList()[0], "I4")
	if err != nil || !ok || target != "file:///data/c.pdf" {
		t.Fatalf("expected hyperlink on scan cell, got %v %q %v", ok, target, err)
	}
}

func TestExcelWriter_MissingPeriod(t *testing.T) {
	source := writeFixture(t, DailyHeaders(), []any{"03/02/2026"})
	for _, mode := range []domain.MergeMode{domain.MergeModeOverwrite, domain.MergeModeAppend} {
		_, err := fixedWriter().Write(context.Background(), WriteRequest{
			SourcePath: source,
			OutputDir:  t.TempDir(),
			Period:     domain.NewRunDate(2026, time.February, 4),
			Mode:       mode,
			Rows:       []Row{{Values: map[string]any{ColumnUmsatzBrutto: 1.0}}},
		})
		if !errors.Is(err, ErrPeriodNotFound) {
			t.Fatalf("%s: expected ErrPeriodNotFound, got %v", mode, err)
		}
	}
}

func TestExcelWriter_LedgerErrors(t *testing.T) {
	_, err := fixedWriter().Write(context.Background(), WriteRequest{
		SourcePath: filepath.Join(t.TempDir(), "missing.xlsx"),
		Period:     domain.NewRunDate(2026, time.February, 4),
		Mode:       domain.MergeModeAppend,
		Rows:       []Row{{}},
	})
	if !errors.Is(err, ErrLedgerNotFound) {
		t.Fatalf("expected ErrLedgerNotFound, got %v", err)
	}

	source := writeFixture(t, []string{"Name", "Datum"}, []any{"x", "04/02/2026"})
	_, err = fixedWriter().Write(context.Background(), WriteRequest{
		SourcePath: source,
		OutputDir:  t.TempDir(),
		Period:     domain.NewRunDate(2026, time.February, 4),
		Mode:       domain.MergeModeAppend,
		Rows:       []Row{{}},
	})
	if !errors.Is(err, ErrLedgerInvalid) {
		t.Fatalf("expected ErrLedgerInvalid, got %v", err)
	}
}

func TestNormalizeDate(t *testing.T) {
	cases := map[string]string{
		"04/02/2026": "04/02/2026",
		"2026-02-04": "04/02/2026",
		"04.02.2026": "04/02/2026",
		"46057":      "04/02/2026",
	}
	for in, want := range cases {
		got, ok := NormalizeDate(in)
		if !ok || got != want {
			t.Fatalf("NormalizeDate(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := NormalizeDate("Summe"); ok {
		t.Fatalf("expected non-date text to be rejected")
	}
}

func TestParseAmount(t *testing.T) {
	cases := map[string]float64{
		"12,50":      12.5,
		"1.234,56":   1234.56,
		"1,234.56":   1234.56,
		"EUR 119.00": 119,
	}
	for in, want := range cases {
		got, ok := ParseAmount(in)
		if !ok || got != want {
			t.Fatalf("ParseAmount(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	if _, ok := ParseAmount(nil); ok {
		t.Fatalf("expected nil to be rejected")
	}
	if got, _ := ParseAmount(7.5); got != 7.5 {
		t.Fatalf("expected numbers to pass through")
	}
}

func TestNormalizeHeader(t *testing.T) {
	if got := NormalizeHeader("  Is Receiver   OK? "); got != "is receiver ok" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestExcelWriter_OutputPathReportsStatErrors(t *testing.T) {
	w := fixedWriter()
	w.stat = func(string) (fs.FileInfo, error) {
		return nil, &fs.PathError{Op: "stat", Path: "full_result.xlsx", Err: fs.ErrPermission}
	}

	done := make(chan error, 1)
	go func() {
		_, err := w.outputPath(WriteRequest{SourcePath: "/ledgers/monthly.xlsx", OutputDir: t.TempDir()})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, fs.ErrPermission) {
			t.Fatalf("expected permission error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("outputPath did not return on a stat error")
	}
}

func TestExcelWriter_OutputPathSkipsExistingFiles(t *testing.T) {
	w := fixedWriter()
	dir := t.TempDir()
	taken := filepath.Join(dir, "full_result_1770000000.xlsx")
	if err := os.WriteFile(taken, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := w.outputPath(WriteRequest{SourcePath: "/ledgers/monthly.xlsx", OutputDir: dir})
	if err != nil {
		t.Fatalf("output path: %v", err)
	}
	if got != filepath.Join(dir, "full_result_1770000000_1.xlsx") {
		t.Fatalf("unexpected output path %s", got)
	}
}
