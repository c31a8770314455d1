package batch

import "github.com/rpattn/billflow/internal/domain"

// ReviewSummary condenses a batch's rows for listings.
type ReviewSummary struct {
	Total       int                     `json:"total"`
	ByCategory  map[domain.Category]int `json:"by_category"`
	NeedsReview int                     `json:"needs_review"`
	// LowConfidence maps row_id to the fields a reviewer should check.
	LowConfidence map[string][]string `json:"low_confidence,omitempty"`
}

// Summarize counts rows per category and flags rows with low-confidence
// amounts. A non-positive threshold means domain.DefaultReviewThreshold.
func Summarize(rows []domain.ReviewRow, threshold float64) ReviewSummary {
	if threshold <= 0 {
		threshold = domain.DefaultReviewThreshold
	}
	summary := ReviewSummary{
		Total:      len(rows),
		ByCategory: map[domain.Category]int{},
	}
	for _, row := range rows {
		summary.ByCategory[row.Category]++
		if low := row.LowConfidenceFields(threshold); len(low) > 0 {
			summary.NeedsReview++
			if summary.LowConfidence == nil {
				summary.LowConfidence = map[string][]string{}
			}
			summary.LowConfidence[row.RowID] = low
		}
	}
	return summary
}
