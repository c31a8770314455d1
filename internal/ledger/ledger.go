// Package ledger reads and writes the period ledger workbook. Every write
// goes to a fresh copy; the source workbook is never modified.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrLedgerNotFound indicates the target workbook does not exist.
	ErrLedgerNotFound = errors.New("ledger not found")
	// ErrLedgerInvalid indicates the workbook cannot be read as a ledger.
	ErrLedgerInvalid = errors.New("ledger invalid")
	// ErrPeriodNotFound indicates no row in the ledger carries the requested date.
	ErrPeriodNotFound = errors.New("period not found")
)

// Column names shared by the ledger layouts.
const (
	ColumnDatum        = "Datum"
	ColumnNeedReview   = "need review"
	ColumnUmsatzBrutto = "Umsatz Brutto"
	ColumnUmsatzNetto  = "Umsatz Netto"
	ColumnInvoiceCount = "Wie viel Rechnungen"

	ColumnType       = "Type"
	ColumnSender     = "Rechnung Name"
	ColumnBrutto     = "Brutto"
	ColumnNetto      = "Netto"
	ColumnTaxID      = "Steuernummer"
	ColumnReceiverOK = "Is Receiver OK"
	ColumnScan       = "Rechnung Scannen"

	// MaxExpenses is the number of Ausgabe column groups in the daily ledger.
	MaxExpenses = 5
)

// ExpenseColumns returns the Name, Brutto and Netto headers of Ausgabe slot n (1-based).
func ExpenseColumns(n int) (name, brutto, netto string) {
	base := "Ausgabe " + strconv.Itoa(n)
	return base + " Name", base + " Brutto", base + " Netto"
}

// DailyHeaders is the column layout of the daily ledger.
func DailyHeaders() []string {
	headers := []string{ColumnDatum, ColumnUmsatzBrutto, ColumnUmsatzNetto, ColumnNeedReview, ColumnInvoiceCount}
	for n := 1; n <= MaxExpenses; n++ {
		name, brutto, netto := ExpenseColumns(n)
		headers = append(headers, name, brutto, netto)
	}
	return headers
}

// OfficeHeaders is the column layout of the office ledger.
func OfficeHeaders() []string {
	return []string{ColumnDatum, ColumnType, ColumnSender, ColumnBrutto, ColumnNetto, ColumnTaxID, ColumnReceiverOK, ColumnNeedReview, ColumnScan}
}

// Row is one derived ledger row keyed by column header. Links holds hyperlink
// targets for cells that should point at a file.
type Row struct {
	Values map[string]any
	Links  map[string]string
}

// WriteRequest asks the writer to merge rows into a copy of SourcePath.
type WriteRequest struct {
	SourcePath string
	OutputDir  string
	Period     domain.RunDate
	Mode       domain.MergeMode
	Rows       []Row
}

// WriteResult describes the workbook produced by a write.
type WriteResult struct {
	LedgerPath   string
	RowsWritten  int
	RowsReplaced int
	Warnings     []string
}

// Writer merges derived rows into a ledger.
type Writer interface {
	Write(ctx context.Context, req WriteRequest) (WriteResult, error)
}

// NormalizeHeader lowercases, trims, drops question marks and collapses whitespace.
func NormalizeHeader(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.ReplaceAll(s, "?", "")
	return strings.Join(strings.Fields(s), " ")
}

var dateLayouts = []string{"02/01/2006", "2006-01-02", "02.01.2006", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05"}

// NormalizeDate renders a cell value as DD/MM/YYYY. It accepts DD/MM/YYYY,
// YYYY-MM-DD, DD.MM.YYYY and Excel date serials. ok is false for anything else.
func NormalizeDate(value string) (string, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.Format("02/01/2006"), true
		}
	}
	if serial, err := strconv.ParseFloat(text, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			return t.Format("02/01/2006"), true
		}
	}
	return "", false
}

// ParseAmount reads "1.234,56", "12,50", "12.50" or "€ 12,50" as a number.
func ParseAmount(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	text := strings.TrimSpace(fmt.Sprint(value))
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' || r == '-' {
			return r
		}
		return -1
	}, text)
	if cleaned == "" || cleaned == "-" || cleaned == "." || cleaned == "," {
		return 0, false
	}
	comma, dot := strings.LastIndex(cleaned, ","), strings.LastIndex(cleaned, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	case comma >= 0 && dot >= 0:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	default:
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
