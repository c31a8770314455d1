package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rpattn/billflow/internal/batch"
	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/repository"
	"github.com/rpattn/billflow/internal/review"

	"github.com/google/uuid"
)

type batchResponse struct {
	SchemaVersion string `json:"schema_version"`
	domain.Batch
	ReviewSummary *batch.ReviewSummary `json:"review_summary,omitempty"`
}

func newBatchResponse(b domain.Batch) batchResponse {
	if b.Inputs == nil {
		b.Inputs = []domain.InputFile{}
	}
	if b.Artifacts == nil {
		b.Artifacts = map[string]any{}
	}
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}
	return batchResponse{SchemaVersion: SchemaVersion, Batch: b}
}

type createResponse struct {
	batchResponse
	TaskID   uuid.UUID       `json:"task_id"`
	TaskType domain.TaskType `json:"task_type"`
}

func newCreateResponse(b domain.Batch, task domain.Task) createResponse {
	return createResponse{batchResponse: newBatchResponse(b), TaskID: task.ID, TaskType: task.Type}
}

type listResponse struct {
	SchemaVersion string          `json:"schema_version"`
	Total         int             `json:"total"`
	Limit         int             `json:"limit"`
	Offset        int             `json:"offset"`
	Items         []batchResponse `json:"items"`
}

type reviewRowResponse struct {
	RowID         string             `json:"row_id"`
	Category      domain.Category    `json:"category"`
	Filename      string             `json:"filename"`
	Result        map[string]any     `json:"result"`
	Score         map[string]float64 `json:"score"`
	PreviewURL    *string            `json:"preview_url"`
	LowConfidence []string           `json:"low_confidence_fields,omitempty"`
}

type reviewRowsResponse struct {
	SchemaVersion string              `json:"schema_version"`
	BatchID       uuid.UUID           `json:"batch_id"`
	Status        domain.BatchStatus  `json:"status"`
	Rows          []reviewRowResponse `json:"rows"`
}

type taskResponse struct {
	SchemaVersion string             `json:"schema_version"`
	TaskID        uuid.UUID          `json:"task_id"`
	TaskType      domain.TaskType    `json:"task_type"`
	BatchID       uuid.UUID          `json:"batch_id"`
	Status        domain.BatchStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
}

func newTaskResponse(task domain.Task, status domain.BatchStatus) taskResponse {
	return taskResponse{
		SchemaVersion: SchemaVersion,
		TaskID:        task.ID,
		TaskType:      task.Type,
		BatchID:       task.BatchID,
		Status:        status,
		CreatedAt:     task.CreatedAt,
	}
}

type mergeSourceResponse struct {
	SchemaVersion    string    `json:"schema_version"`
	BatchID          uuid.UUID `json:"batch_id"`
	MonthlyExcelPath string    `json:"monthly_excel_path"`
	CreatedAt        time.Time `json:"created_at"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	Error         errorBody `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *review.ValidationError
		invalidErr    *batch.InvalidRequestError
	)
	switch {
	case errors.As(err, &validationErr):
		writeErrorBody(w, http.StatusUnprocessableEntity, "ValidationError", err.Error(), map[string]any{"issues": validationErr.Issues})
	case errors.As(err, &invalidErr):
		var details map[string]any
		if invalidErr.Field != "" {
			details = map[string]any{"field": invalidErr.Field}
		}
		writeErrorBody(w, http.StatusBadRequest, "InvalidRequest", invalidErr.Error(), details)
	case errors.Is(err, batch.ErrNoLedgerTarget):
		writeErrorBody(w, http.StatusBadRequest, "LedgerTargetMissing", "monthly_excel_path is required when no merge source was uploaded", nil)
	case errors.Is(err, repository.ErrBatchNotFound):
		writeErrorBody(w, http.StatusNotFound, "NotFound", "batch not found", nil)
	case errors.Is(err, batch.ErrPreviewNotFound):
		writeErrorBody(w, http.StatusNotFound, "NotFound", "preview file not found", nil)
	case errors.Is(err, batch.ErrReviewNotAllowed):
		writeErrorBody(w, http.StatusConflict, "ReviewNotAllowed", err.Error(), nil)
	case errors.Is(err, repository.ErrBatchStatusConflict), errors.Is(err, domain.ErrIllegalTransition):
		writeErrorBody(w, http.StatusConflict, "StatusConflict", err.Error(), nil)
	case errors.Is(err, batch.ErrQueueUnavailable):
		h.logger.Error("task queue unavailable", "error", err)
		writeErrorBody(w, http.StatusServiceUnavailable, batch.CodeQueueUnavailable, "task queue unavailable", nil)
	default:
		h.logger.Error("request failed", "error", err)
		writeErrorBody(w, http.StatusInternalServerError, "InternalError", "internal server error", nil)
	}
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{
		SchemaVersion: SchemaVersion,
		Error:         errorBody{Code: code, Message: message, Details: details},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
