package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rpattn/billflow/internal/domain"
)

// CreateRequest describes a batch over files already on disk.
type CreateRequest struct {
	Type     domain.BatchType
	RunDate  *domain.RunDate
	Inputs   []domain.InputFile
	Metadata map[string]any
}

// MergeRequest asks for a merge. A nil MonthlyExcelPath falls back to the
// uploaded merge source, then to the configured default ledger.
type MergeRequest struct {
	Mode             domain.MergeMode `json:"mode"`
	MonthlyExcelPath *string          `json:"monthly_excel_path"`
	Metadata         map[string]any   `json:"metadata"`
}

type createPayload struct {
	Type      *string            `json:"type"`
	BatchType *string            `json:"batch_type"`
	RunDate   *string            `json:"run_date"`
	Inputs    []domain.InputFile `json:"inputs"`
	Metadata  map[string]any     `json:"metadata"`
}

// DecodeCreateRequest parses a JSON create body. Unknown fields are rejected;
// batch_type is accepted as an alias of type.
func DecodeCreateRequest(data []byte) (CreateRequest, error) {
	var payload createPayload
	if err := decodeStrict(data, &payload); err != nil {
		return CreateRequest{}, err
	}

	var typ string
	switch {
	case payload.Type != nil && payload.BatchType != nil && *payload.Type != *payload.BatchType:
		return CreateRequest{}, invalid("type", "type and batch_type disagree")
	case payload.Type != nil:
		typ = *payload.Type
	case payload.BatchType != nil:
		typ = *payload.BatchType
	default:
		return CreateRequest{}, invalid("type", "field is required")
	}

	req := CreateRequest{
		Type:     domain.BatchType(typ),
		Inputs:   payload.Inputs,
		Metadata: payload.Metadata,
	}
	if payload.RunDate != nil {
		rd, err := domain.ParseRunDate(*payload.RunDate)
		if err != nil {
			return CreateRequest{}, invalid("run_date", "%v", err)
		}
		req.RunDate = &rd
	}
	return req, nil
}

// DecodeMergeRequest parses a JSON merge body. An empty body means defaults.
func DecodeMergeRequest(data []byte) (MergeRequest, error) {
	var req MergeRequest
	if len(bytes.TrimSpace(data)) == 0 {
		return req, nil
	}
	if err := decodeStrict(data, &req); err != nil {
		return MergeRequest{}, err
	}
	return req, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return invalid("", "request body is empty")
		}
		msg := err.Error()
		if field, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
			return invalid(strings.Trim(field, `"`), "unknown field")
		}
		return invalid("", "malformed JSON: %s", msg)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return invalid("", "unexpected data after JSON object")
	}
	return nil
}

func (r CreateRequest) validate() error {
	if !r.Type.Valid() {
		return invalid("type", "unsupported batch type %q", r.Type)
	}
	if len(r.Inputs) == 0 {
		return invalid("inputs", "at least one input is required")
	}
	for i, in := range r.Inputs {
		if strings.TrimSpace(in.Path) == "" {
			return invalid(fmt.Sprintf("inputs[%d].path", i), "field is required")
		}
		if in.Category == nil {
			continue
		}
		if !in.Category.Valid() {
			return invalid(fmt.Sprintf("inputs[%d].category", i), "unknown category %q", *in.Category)
		}
		if !in.Category.AllowedFor(r.Type) {
			return invalid(fmt.Sprintf("inputs[%d].category", i), "category %q is not allowed for %s batches", *in.Category, r.Type)
		}
	}
	return nil
}
