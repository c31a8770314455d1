package merge

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/ledger"
)

// dailyRow folds a daily batch into its single period row: the Z-Bon carries
// the day's takings and each bar receipt fills one Ausgabe slot.
func dailyRow(period string, rows []domain.ReviewRow, threshold float64) (ledger.Row, map[domain.Category]int, []string) {
	values := map[string]any{ledger.ColumnDatum: period}
	counts := map[domain.Category]int{}
	var warnings []string

	var (
		takingsBrutto, takingsNetto float64
		hasBrutto, hasNetto         bool
		needReview                  bool
		bars                        int
	)
	for _, row := range rows {
		switch row.Category {
		case domain.CategoryZBon:
			counts[domain.CategoryZBon]++
			if v, ok := ledger.ParseAmount(row.Result["brutto"]); ok {
				takingsBrutto += v
				hasBrutto = true
			}
			if v, ok := ledger.ParseAmount(row.Result["netto"]); ok {
				takingsNetto += v
				hasNetto = true
			}
		case domain.CategoryBar:
			counts[domain.CategoryBar]++
			bars++
			if bars > ledger.MaxExpenses {
				continue
			}
			nameCol, bruttoCol, nettoCol := ledger.ExpenseColumns(bars)
			brutto := amountOrRaw(row.Result["brutto"])
			values[nameCol] = strings.TrimSpace(fmt.Sprintf("%s %s", text(row.Result["store_name"]), amountText(brutto)))
			values[bruttoCol] = brutto
			values[nettoCol] = amountOrRaw(row.Result["netto"])
		default:
			continue
		}
		if row.NeedsReview(threshold) {
			needReview = true
		}
	}

	if counts[domain.CategoryZBon] > 1 {
		warnings = append(warnings, fmt.Sprintf("%d zbon rows summed into %s", counts[domain.CategoryZBon], ledger.ColumnUmsatzBrutto))
	}
	if bars > ledger.MaxExpenses {
		warnings = append(warnings, fmt.Sprintf("%d bar receipts exceed the %d Ausgabe columns; extra receipts were not written", bars, ledger.MaxExpenses))
	}
	if hasBrutto {
		values[ledger.ColumnUmsatzBrutto] = round2(takingsBrutto)
	}
	if hasNetto {
		values[ledger.ColumnUmsatzNetto] = round2(takingsNetto)
	}
	values[ledger.ColumnInvoiceCount] = bars
	values[ledger.ColumnNeedReview] = needReview
	return ledger.Row{Values: values}, counts, warnings
}

// officeRows maps each office invoice to its own ledger row.
func officeRows(period string, rows []domain.ReviewRow, threshold float64) ([]ledger.Row, map[domain.Category]int) {
	counts := map[domain.Category]int{}
	out := make([]ledger.Row, 0, len(rows))
	for _, row := range rows {
		if row.Category != domain.CategoryOffice {
			continue
		}
		counts[domain.CategoryOffice]++

		datum := period
		if raw := text(row.Result["run_date"]); raw != "" {
			if normalised, ok := ledger.NormalizeDate(raw); ok {
				datum = normalised
			}
		}
		values := map[string]any{
			ledger.ColumnDatum:      datum,
			ledger.ColumnType:       text(row.Result["type"]),
			ledger.ColumnSender:     text(row.Result["sender"]),
			ledger.ColumnBrutto:     amountOrRaw(row.Result["brutto"]),
			ledger.ColumnNetto:      amountOrRaw(row.Result["netto"]),
			ledger.ColumnTaxID:      text(row.Result["tax_id"]),
			ledger.ColumnReceiverOK: row.Result["receiver_ok"],
			ledger.ColumnNeedReview: row.NeedsReview(threshold),
		}
		links := map[string]string{}
		if row.PreviewPath != nil && *row.PreviewPath != "" {
			values[ledger.ColumnScan] = row.Filename
			links[ledger.ColumnScan] = hyperlink(*row.PreviewPath)
		}
		out = append(out, ledger.Row{Values: values, Links: links})
	}
	return out, counts
}

// collapse folds office rows into the single row an overwrite writes.
func collapse(period string, rows []ledger.Row) ledger.Row {
	values := map[string]any{ledger.ColumnDatum: period}
	links := map[string]string{}

	join := func(column string) {
		var parts []string
		seen := map[string]bool{}
		for _, row := range rows {
			value := text(row.Values[column])
			if value == "" || seen[value] {
				continue
			}
			seen[value] = true
			parts = append(parts, value)
		}
		if len(parts) > 0 {
			values[column] = strings.Join(parts, "; ")
		}
	}
	sum := func(column string) {
		var total float64
		found := false
		for _, row := range rows {
			if v, ok := ledger.ParseAmount(row.Values[column]); ok {
				total += v
				found = true
			}
		}
		if found {
			values[column] = round2(total)
		}
	}

	join(ledger.ColumnType)
	join(ledger.ColumnSender)
	join(ledger.ColumnTaxID)
	join(ledger.ColumnScan)
	sum(ledger.ColumnBrutto)
	sum(ledger.ColumnNetto)

	receiverOK := true
	needReview := false
	for _, row := range rows {
		if ok, isBool := row.Values[ledger.ColumnReceiverOK].(bool); !isBool || !ok {
			receiverOK = false
		}
		if flag, _ := row.Values[ledger.ColumnNeedReview].(bool); flag {
			needReview = true
		}
		if link := row.Links[ledger.ColumnScan]; link != "" {
			if _, set := links[ledger.ColumnScan]; !set {
				links[ledger.ColumnScan] = link
			}
		}
	}
	values[ledger.ColumnReceiverOK] = receiverOK
	values[ledger.ColumnNeedReview] = needReview
	return ledger.Row{Values: values, Links: links}
}

func amountOrRaw(value any) any {
	if value == nil {
		return nil
	}
	if v, ok := ledger.ParseAmount(value); ok {
		return round2(v)
	}
	if s := text(value); s != "" {
		return s
	}
	return nil
}

func amountText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', 2, 64)
	}
	return text(value)
}

func text(value any) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func round2(v float64) float64 {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	out, _ := strconv.ParseFloat(s, 64)
	return out
}

func hyperlink(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
