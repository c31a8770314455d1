package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/billflow/internal/ledger"
)

// Error codes recorded on batches whose merge failed.
const (
	CodePeriodNotFound  = "PeriodNotFound"
	CodeLedgerNotFound  = "LedgerNotFound"
	CodeLedgerInvalid   = "LedgerInvalid"
	CodeNoMergeableRows = "NoMergeableRows"
	CodeMergeTimeout    = "MergeTimeout"
	CodeMergeFailed     = "MergeFailed"
)

// Error is a merge failure with a stable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotMerging is returned when the batch is neither merging nor merged, so
// the task has nothing to do.
var ErrNotMerging = errors.New("batch is not in a mergeable state")

func classify(err error) *Error {
	var mergeErr *Error
	if errors.As(err, &mergeErr) {
		return mergeErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeMergeTimeout, Message: "merge timed out", Err: err}
	case errors.Is(err, ledger.ErrPeriodNotFound):
		return &Error{Code: CodePeriodNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, ledger.ErrLedgerNotFound):
		return &Error{Code: CodeLedgerNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, ledger.ErrLedgerInvalid):
		return &Error{Code: CodeLedgerInvalid, Message: err.Error(), Err: err}
	}
	return &Error{Code: CodeMergeFailed, Message: err.Error(), Err: err}
}
