// Package review guards the review-submission boundary. Submissions must use
// the canonical row shape; nothing is coerced.
package review

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/rpattn/billflow/internal/domain"
)

// Issue describes one problem in a submission. Row is -1 for payload-level issues.
type Issue struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationError rejects a submission. It carries every issue found.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid review submission"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		switch {
		case issue.Row < 0 && issue.Field == "":
			parts = append(parts, issue.Message)
		case issue.Row < 0:
			parts = append(parts, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
		default:
			parts = append(parts, fmt.Sprintf("rows[%d].%s: %s", issue.Row, issue.Field, issue.Message))
		}
	}
	return "invalid review submission: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

var (
	requiredRowFields = []string{"row_id", "category", "filename", "result"}
	knownRowFields    = map[string]bool{
		"row_id": true, "category": true, "filename": true,
		"result": true, "score": true, "preview_path": true,
	}
)

// ParseSubmission decodes {"rows":[...]} and validates every row. When
// batchType is set, categories must also belong to that batch type.
func ParseSubmission(data []byte, batchType domain.BatchType) ([]domain.ReviewRow, error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&top); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Row: -1, Message: fmt.Sprintf("payload must be a JSON object: %v", err)}}}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Issues: []Issue{{Row: -1, Message: "unexpected data after JSON object"}}}
	}
	if top == nil {
		return nil, &ValidationError{Issues: []Issue{{Row: -1, Message: "payload must be a JSON object"}}}
	}

	var issues []Issue
	for _, key := range sortedKeys(top) {
		if key != "rows" {
			issues = append(issues, Issue{Row: -1, Field: key, Message: "unknown field"})
		}
	}

	rawRows, ok := top["rows"]
	if !ok {
		issues = append(issues, Issue{Row: -1, Field: "rows", Message: "is required"})
		return nil, &ValidationError{Issues: issues}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawRows, &items); err != nil || items == nil {
		issues = append(issues, Issue{Row: -1, Field: "rows", Message: "must be an array"})
		return nil, &ValidationError{Issues: issues}
	}
	if len(items) == 0 {
		issues = append(issues, Issue{Row: -1, Field: "rows", Message: "must contain at least one row"})
		return nil, &ValidationError{Issues: issues}
	}

	rows := make([]domain.ReviewRow, 0, len(items))
	seen := make(map[string]int, len(items))
	for i, item := range items {
		row, rowIssues := parseRow(i, item, batchType)
		issues = append(issues, rowIssues...)
		if len(rowIssues) > 0 {
			continue
		}
		if first, dup := seen[row.RowID]; dup {
			issues = append(issues, Issue{Row: i, Field: "row_id", Message: fmt.Sprintf("duplicates rows[%d]", first)})
			continue
		}
		seen[row.RowID] = i
		rows = append(rows, row)
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return rows, nil
}

func parseRow(index int, raw json.RawMessage, batchType domain.BatchType) (domain.ReviewRow, []Issue) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return domain.ReviewRow{}, []Issue{{Row: index, Message: "row must be an object"}}
	}

	var issues []Issue
	for _, key := range sortedKeys(fields) {
		if !knownRowFields[key] {
			issues = append(issues, Issue{Row: index, Field: key, Message: "unknown field; extracted values belong under result"})
		}
	}
	for _, key := range requiredRowFields {
		if value, ok := fields[key]; !ok || isNull(value) {
			issues = append(issues, Issue{Row: index, Field: key, Message: "is required"})
		}
	}
	if len(issues) > 0 {
		return domain.ReviewRow{}, issues
	}

	var row domain.ReviewRow
	if err := json.Unmarshal(fields["row_id"], &row.RowID); err != nil || strings.TrimSpace(row.RowID) == "" {
		issues = append(issues, Issue{Row: index, Field: "row_id", Message: "must be a non-empty string"})
	}
	if err := json.Unmarshal(fields["filename"], &row.Filename); err != nil || strings.TrimSpace(row.Filename) == "" {
		issues = append(issues, Issue{Row: index, Field: "filename", Message: "must be a non-empty string"})
	}

	var category string
	if err := json.Unmarshal(fields["category"], &category); err != nil {
		issues = append(issues, Issue{Row: index, Field: "category", Message: "must be a string"})
	} else {
		row.Category = domain.Category(category)
		switch {
		case !row.Category.Valid():
			issues = append(issues, Issue{Row: index, Field: "category", Message: fmt.Sprintf("%q is not one of bar, zbon, office", category)})
		case batchType != "" && !row.Category.AllowedFor(batchType):
			issues = append(issues, Issue{Row: index, Field: "category", Message: fmt.Sprintf("%q is not allowed in a %s batch", category, batchType)})
		}
	}

	if err := json.Unmarshal(fields["result"], &row.Result); err != nil || row.Result == nil {
		issues = append(issues, Issue{Row: index, Field: "result", Message: "must be an object"})
	} else if len(row.Result) == 0 {
		issues = append(issues, Issue{Row: index, Field: "result", Message: "must not be empty"})
	}

	if raw, ok := fields["score"]; ok && !isNull(raw) {
		var score map[string]float64
		if err := json.Unmarshal(raw, &score); err != nil || score == nil {
			issues = append(issues, Issue{Row: index, Field: "score", Message: "must be an object of numbers"})
		} else {
			for _, key := range sortedFloatKeys(score) {
				value := score[key]
				if math.IsNaN(value) || value < 0 || value > 1 {
					issues = append(issues, Issue{Row: index, Field: "score." + key, Message: "must be between 0 and 1"})
				}
			}
			row.Score = score
		}
	}
	if row.Score == nil {
		row.Score = map[string]float64{}
	}

	if raw, ok := fields["preview_path"]; ok && !isNull(raw) {
		var preview string
		if err := json.Unmarshal(raw, &preview); err != nil {
			issues = append(issues, Issue{Row: index, Field: "preview_path", Message: "must be a string"})
		} else if preview != "" {
			row.PreviewPath = &preview
		}
	}

	return row, issues
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
