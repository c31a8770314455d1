package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrReviewNotAllowed rejects review submissions outside review_ready or a
	// failed batch that still has rows.
	ErrReviewNotAllowed = errors.New("review submission not allowed")
	// ErrNoLedgerTarget is returned when a merge request names no ledger and
	// neither an uploaded merge source nor a default ledger is available.
	ErrNoLedgerTarget = errors.New("no ledger target available")
	// ErrPreviewNotFound hides every reason a preview cannot be served.
	ErrPreviewNotFound = errors.New("preview file not found")
	// ErrQueueUnavailable wraps enqueue failures after the batch was written.
	ErrQueueUnavailable = errors.New("task queue unavailable")
)

// CodeQueueUnavailable is recorded on a batch whose task could not be enqueued.
const CodeQueueUnavailable = "QueueUnavailable"

// InvalidRequestError is a malformed create, upload or merge request.
type InvalidRequestError struct {
	Field   string
	Message string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &InvalidRequestError{Field: field, Message: fmt.Sprintf(format, args...)}
}
