package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchType enumerates supported upload workflows.
type BatchType string

const (
	BatchTypeDaily  BatchType = "daily"
	BatchTypeOffice BatchType = "office"
)

// Valid reports whether the batch type is one of the supported workflows.
func (t BatchType) Valid() bool {
	return t == BatchTypeDaily || t == BatchTypeOffice
}

// BatchStatus captures lifecycle state for a batch. Values are wire-stable.
type BatchStatus string

const (
	BatchStatusQueued      BatchStatus = "queued"
	BatchStatusRunning     BatchStatus = "running"
	BatchStatusReviewReady BatchStatus = "review_ready"
	BatchStatusMerging     BatchStatus = "merging"
	BatchStatusMerged      BatchStatus = "merged"
	BatchStatusFailed      BatchStatus = "failed"
)

// AllBatchStatuses lists every status in lifecycle order.
var AllBatchStatuses = []BatchStatus{
	BatchStatusQueued,
	BatchStatusRunning,
	BatchStatusReviewReady,
	BatchStatusMerging,
	BatchStatusMerged,
	BatchStatusFailed,
}

// ErrIllegalTransition is returned when a status change is not an edge of the lifecycle graph.
var ErrIllegalTransition = errors.New("illegal batch status transition")

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusQueued:      {BatchStatusRunning, BatchStatusFailed},
	BatchStatusRunning:     {BatchStatusReviewReady, BatchStatusFailed},
	BatchStatusReviewReady: {BatchStatusMerging, BatchStatusFailed},
	BatchStatusMerging:     {BatchStatusMerged, BatchStatusFailed},
	// Retry-merge is the only edge out of a terminal state.
	BatchStatusFailed: {BatchStatusMerging},
	BatchStatusMerged: {},
}

// Valid reports whether the status is a known lifecycle value.
func (s BatchStatus) Valid() bool {
	_, ok := batchTransitions[s]
	return ok
}

// Terminal reports whether no automatic transition leaves the status.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusMerged || s == BatchStatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to BatchStatus) bool {
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to can be observed after from, following zero or
// more lifecycle edges.
func Reachable(from, to BatchStatus) bool {
	if from == to {
		return true
	}
	seen := map[BatchStatus]bool{from: true}
	frontier := []BatchStatus{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, next := range batchTransitions[current] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

// ValidateTransition returns ErrIllegalTransition wrapped with context when the edge is not allowed.
func ValidateTransition(from, to BatchStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Category classifies one input document and its review row.
type Category string

const (
	CategoryBar    Category = "bar"
	CategoryZBon   Category = "zbon"
	CategoryOffice Category = "office"
)

// Valid reports whether the category is part of the fixed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryBar, CategoryZBon, CategoryOffice:
		return true
	}
	return false
}

// AllowedFor reports whether the category may appear in a batch of the given type.
func (c Category) AllowedFor(t BatchType) bool {
	switch t {
	case BatchTypeDaily:
		return c == CategoryBar || c == CategoryZBon
	case BatchTypeOffice:
		return c == CategoryOffice
	}
	return false
}

// InputFile describes one uploaded document.
type InputFile struct {
	Path     string    `json:"path"`
	Category *Category `json:"category"`
}

// ErrorInfo is the structured error recorded on failed batches.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Batch is the single source of truth for one upload unit's lifecycle.
type Batch struct {
	ID              uuid.UUID      `json:"batch_id"`
	Type            BatchType      `json:"type"`
	Status          BatchStatus    `json:"status"`
	RunDate         *RunDate       `json:"run_date"`
	Inputs          []InputFile    `json:"inputs"`
	Metadata        map[string]any `json:"metadata"`
	Artifacts       map[string]any `json:"artifacts"`
	ReviewRowsCount int            `json:"review_rows_count"`
	MergeOutput     *MergeOutput   `json:"merge_output"`
	Error           *ErrorInfo     `json:"error"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep enough copy for callers to mutate maps and slices safely.
func (b Batch) Clone() Batch {
	out := b
	out.Inputs = append([]InputFile(nil), b.Inputs...)
	out.Metadata = cloneMap(b.Metadata)
	out.Artifacts = cloneMap(b.Artifacts)
	if b.RunDate != nil {
		rd := *b.RunDate
		out.RunDate = &rd
	}
	if b.MergeOutput != nil {
		mo := b.MergeOutput.Clone()
		out.MergeOutput = &mo
	}
	if b.Error != nil {
		e := *b.Error
		e.Details = cloneMap(b.Error.Details)
		out.Error = &e
	}
	return out
}

// EffectiveCategory resolves the category for an input, inferring it from the
// batch type and file name when the descriptor left it empty.
func (b Batch) EffectiveCategory(in InputFile) Category {
	if in.Category != nil && in.Category.Valid() {
		return *in.Category
	}
	return InferCategory(b.Type, in.Path)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
