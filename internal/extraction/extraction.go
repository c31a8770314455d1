// Package extraction wraps the document extraction collaborator: one call per
// input file, returning extracted fields with per-field confidence or a
// classified failure.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rpattn/billflow/internal/domain"
)

// Kind classifies an extraction failure. Values are recorded as batch error codes.
type Kind string

const (
	KindInvalidContent     Kind = "invalid_content"
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
)

// Error is a classified extraction failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Input is one document handed to the extractor.
type Input struct {
	Path      string
	Category  domain.Category
	BatchType domain.BatchType
}

// Result holds extracted field values and their confidences in [0,1].
type Result struct {
	Fields     map[string]string  `json:"fields"`
	Confidence map[string]float64 `json:"confidence"`
}

// Extractor turns one input document into a Result.
type Extractor interface {
	Extract(ctx context.Context, in Input) (Result, error)
}

// Func adapts a plain function to the Extractor interface.
type Func func(ctx context.Context, in Input) (Result, error)

func (f Func) Extract(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// Classify maps any error to an *Error. Deadline expiry becomes timeout,
// transport failures become service_unavailable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "extraction timed out", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
		}
		return &Error{Kind: KindServiceUnavailable, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindServiceUnavailable, Message: err.Error(), Err: err}
}

type guarded struct {
	inner   Extractor
	timeout time.Duration
}

// WithTimeout bounds every call to inner by timeout and classifies failures.
// The call returns once the deadline passes even if inner ignores ctx.
func WithTimeout(inner Extractor, timeout time.Duration) Extractor {
	return &guarded{inner: inner, timeout: timeout}
}

func (g *guarded) Extract(ctx context.Context, in Input) (Result, error) {
	if g.timeout <= 0 {
		res, err := g.inner.Extract(ctx, in)
		if err != nil {
			return Result{}, Classify(err)
		}
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := g.inner.Extract(ctx, in)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{}, Classify(out.err)
		}
		return out.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, &Error{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("file processing timeout (%s)", g.timeout),
				Err:     ctx.Err(),
			}
		}
		return Result{}, Classify(ctx.Err())
	}
}
