package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ReviewRow is the human-correctable record of extracted fields for one input file.
type ReviewRow struct {
	RowID       string             `json:"row_id"`
	Category    Category           `json:"category"`
	Filename    string             `json:"filename"`
	Result      map[string]any     `json:"result"`
	Score       map[string]float64 `json:"score"`
	PreviewPath *string            `json:"preview_path,omitempty"`
}

// Clone copies the row maps so callers can mutate them safely.
func (r ReviewRow) Clone() ReviewRow {
	out := r
	out.Result = cloneMap(r.Result)
	if r.Score != nil {
		out.Score = make(map[string]float64, len(r.Score))
		for k, v := range r.Score {
			out.Score[k] = v
		}
	}
	if r.PreviewPath != nil {
		p := *r.PreviewPath
		out.PreviewPath = &p
	}
	return out
}

// RowID formats the stable identifier assigned to the input at position index (1-based).
func RowID(index int) string {
	return fmt.Sprintf("row-%04d", index)
}

// InferCategory guesses a category for an input without one. Office batches
// only carry office documents; daily batches treat anything named like a
// Z-Bon register report as zbon and everything else as a bar receipt.
func InferCategory(t BatchType, path string) Category {
	if t == BatchTypeOffice {
		return CategoryOffice
	}
	name := strings.ToLower(filepath.Base(path))
	for _, marker := range []string{"zbon", "z-bon", "z_bon"} {
		if strings.Contains(name, marker) {
			return CategoryZBon
		}
	}
	return CategoryBar
}

const runDateLayout = "02/01/2006"

// RunDate is the calendar date identifying the ledger period a batch targets.
// It is carried on the wire as DD/MM/YYYY.
type RunDate struct {
	time.Time
}

// ParseRunDate parses a DD/MM/YYYY string.
func ParseRunDate(value string) (RunDate, error) {
	trimmed := strings.TrimSpace(value)
	t, err := time.Parse(runDateLayout, trimmed)
	if err != nil || len(trimmed) != len(runDateLayout) {
		return RunDate{}, fmt.Errorf("run_date %q must use DD/MM/YYYY", value)
	}
	return RunDate{Time: t}, nil
}

// NewRunDate truncates t to its calendar date.
func NewRunDate(year int, month time.Month, day int) RunDate {
	return RunDate{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d RunDate) String() string {
	return d.Format(runDateLayout)
}

func (d RunDate) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *RunDate) UnmarshalJSON(data []byte) error {
	text := strings.Trim(string(data), `"`)
	parsed, err := ParseRunDate(text)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DefaultReviewThreshold is the confidence below which a field needs review.
const DefaultReviewThreshold = 0.8

// LowConfidenceFields lists the amount fields that are empty or scored below
// threshold. These are the fields a reviewer has to confirm.
func (r ReviewRow) LowConfidenceFields(threshold float64) []string {
	fields := []string{"brutto", "netto", "total_tax"}
	if r.Category == CategoryOffice {
		fields = []string{"brutto", "netto"}
	}
	var low []string
	for _, field := range fields {
		value, ok := r.Result[field]
		if !ok || value == nil || strings.TrimSpace(fmt.Sprint(value)) == "" {
			low = append(low, field)
			continue
		}
		score, ok := r.Score[field]
		if !ok || score < threshold {
			low = append(low, field)
		}
	}
	return low
}

// NeedsReview reports whether any amount field is low confidence.
func (r ReviewRow) NeedsReview(threshold float64) bool {
	return len(r.LowConfidenceFields(threshold)) > 0
}
