// Package client talks to the billflow API and tracks batches until they
// reach the state a caller is waiting for.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Status mirrors the server's wire-stable batch statuses.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusReviewReady Status = "review_ready"
	StatusMerging     Status = "merging"
	StatusMerged      Status = "merged"
	StatusFailed      Status = "failed"
)

// ErrorInfo is the structured error carried by failed batches.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Input is one file descriptor in a create request.
type Input struct {
	Path     string  `json:"path"`
	Category *string `json:"category"`
}

// Batch is the subset of the batch resource the client acts on.
type Batch struct {
	ID              string         `json:"batch_id"`
	Type            string         `json:"type"`
	Status          Status         `json:"status"`
	RunDate         *string        `json:"run_date"`
	Inputs          []Input        `json:"inputs"`
	Artifacts       map[string]any `json:"artifacts"`
	ReviewRowsCount int            `json:"review_rows_count"`
	MergeOutput     map[string]any `json:"merge_output"`
	Error           *ErrorInfo     `json:"error"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CreateBatchInput is the JSON create payload.
type CreateBatchInput struct {
	Type     string         `json:"type"`
	RunDate  *string        `json:"run_date,omitempty"`
	Inputs   []Input        `json:"inputs"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MergeInput is the merge request payload.
type MergeInput struct {
	Mode             string         `json:"mode,omitempty"`
	MonthlyExcelPath *string        `json:"monthly_excel_path"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// TransientError is a failure worth retrying: network errors, timeouts,
// 429 and 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a *TransientError.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// APIError is a non-retryable error response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client is a thin JSON client for the /v1 API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client with a bounded per-request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) GetBatch(ctx context.Context, id string) (Batch, error) {
	var out Batch
	err := c.do(ctx, http.MethodGet, "/v1/batches/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateBatch(ctx context.Context, in CreateBatchInput) (Batch, error) {
	var out Batch
	err := c.do(ctx, http.MethodPost, "/v1/batches", in, &out)
	return out, err
}

// SubmitReview sends {"rows": rows}. Rows must already be in canonical shape.
func (c *Client) SubmitReview(ctx context.Context, id string, rows []map[string]any) (Batch, error) {
	var out Batch
	err := c.do(ctx, http.MethodPut, "/v1/batches/"+url.PathEscape(id)+"/review", map[string]any{"rows": rows}, &out)
	return out, err
}

func (c *Client) RequestMerge(ctx context.Context, id string, in MergeInput) error {
	return c.do(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(id)+"/merge", in, nil)
}

func (c *Client) RetryMerge(ctx context.Context, id string, in MergeInput) error {
	return c.do(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(id)+"/merge/retry", in, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	op := method + " " + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return &TransientError{Op: op, Err: decodeAPIError(resp.StatusCode, raw)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}
