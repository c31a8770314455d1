// Package httpapi exposes the batch lifecycle over a versioned JSON API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rpattn/billflow/internal/batch"
	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/middleware"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every response body.
const SchemaVersion = "v1"

const (
	maxJSONBody       = 4 << 20
	maxUploadBody     = 256 << 20
	multipartMemLimit = 32 << 20
)

type Handler struct {
	service   *batch.Service
	threshold float64
	mux       *http.ServeMux
	logger    *slog.Logger
}

type Option func(*Handler)

// WithReviewThreshold sets the confidence below which rows are flagged.
func WithReviewThreshold(threshold float64) Option {
	return func(h *Handler) {
		if threshold > 0 {
			h.threshold = threshold
		}
	}
}

func NewHandler(service *batch.Service, opts ...Option) http.Handler {
	h := &Handler{
		service:   service,
		threshold: domain.DefaultReviewThreshold,
		mux:       http.NewServeMux(),
		logger:    slog.With("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("POST /v1/batches", h.handleCreate)
	h.mux.HandleFunc("POST /v1/batches/upload", h.handleUpload)
	h.mux.HandleFunc("GET /v1/batches", h.handleList)
	h.mux.HandleFunc("GET /v1/batches/{id}", h.handleGet)
	h.mux.HandleFunc("GET /v1/batches/{id}/review-rows", h.handleReviewRows)
	h.mux.HandleFunc("GET /v1/batches/{id}/files/{rowID}/preview", h.handlePreview)
	h.mux.HandleFunc("PUT /v1/batches/{id}/review", h.handleSubmitReview)
	h.mux.HandleFunc("POST /v1/batches/{id}/merge-source/local", h.handleMergeSource)
	h.mux.HandleFunc("POST /v1/batches/{id}/merge", h.handleMerge)
	h.mux.HandleFunc("POST /v1/batches/{id}/merge/retry", h.handleRetryMerge)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"schema_version": SchemaVersion, "status": "ok"})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		h.writeError(w, err)
		return
	}
	req, err := batch.DecodeCreateRequest(body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	created, task, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newCreateResponse(created, task))
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(multipartMemLimit); err != nil {
		h.writeError(w, &batch.InvalidRequestError{Message: fmt.Sprintf("invalid multipart form: %v", err)})
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := batch.UploadRequest{Type: domain.BatchType(strings.TrimSpace(r.FormValue("type")))}
	if raw := strings.TrimSpace(r.FormValue("run_date")); raw != "" {
		rd, err := domain.ParseRunDate(raw)
		if err != nil {
			h.writeError(w, &batch.InvalidRequestError{Field: "run_date", Message: err.Error()})
			return
		}
		req.RunDate = &rd
	}
	if raw := strings.TrimSpace(r.FormValue("metadata_json")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil || req.Metadata == nil {
			h.writeError(w, &batch.InvalidRequestError{Field: "metadata_json", Message: "must be a JSON object"})
			return
		}
	}

	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()
	for field, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				h.writeError(w, fmt.Errorf("open upload %s: %w", header.Filename, err))
				return
			}
			opened = append(opened, f)
			req.Files = append(req.Files, batch.UploadFile{Field: field, Filename: header.Filename, Content: f})
		}
	}

	created, task, err := h.service.CreateFromUpload(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newCreateResponse(created, task))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := batch.ListOptions{}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				opts.Statuses = append(opts.Statuses, domain.BatchStatus(part))
			}
		}
	}
	var err error
	if opts.Limit, err = intParam(query.Get("limit"), "limit"); err != nil {
		h.writeError(w, err)
		return
	}
	if opts.Offset, err = intParam(query.Get("offset"), "offset"); err != nil {
		h.writeError(w, err)
		return
	}

	batches, err := h.service.List(r.Context(), opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items := make([]batchResponse, len(batches))
	for i, b := range batches {
		items[i] = newBatchResponse(b)
	}
	if query.Get("include") == "review_summary" && len(batches) > 0 {
		if err := h.attachSummaries(r, batches, items); err != nil {
			h.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, listResponse{
		SchemaVersion: SchemaVersion,
		Total:         len(items),
		Limit:         opts.Limit,
		Offset:        opts.Offset,
		Items:         items,
	})
}

func (h *Handler) attachSummaries(r *http.Request, batches []domain.Batch, items []batchResponse) error {
	ids := make([]uuid.UUID, len(batches))
	for i, b := range batches {
		ids[i] = b.ID
	}

	var rowSets [][]domain.ReviewRow
	if loader := middleware.ReviewRowLoaderFromContext(r.Context()); loader != nil {
		var err error
		if rowSets, err = loader.LoadMany(r.Context(), ids); err != nil {
			return err
		}
	} else {
		rowSets = make([][]domain.ReviewRow, len(ids))
		for i, id := range ids {
			_, rows, err := h.service.ReviewRows(r.Context(), id)
			if err != nil {
				return err
			}
			rowSets[i] = rows
		}
	}
	for i, rows := range rowSets {
		summary := batch.Summarize(rows, h.threshold)
		items[i].ReviewSummary = &summary
	}
	return nil
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	b, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchResponse(b))
}

func (h *Handler) handleReviewRows(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	b, rows, err := h.service.ReviewRows(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	base := baseURL(r)
	items := make([]reviewRowResponse, len(rows))
	for i, row := range rows {
		item := reviewRowResponse{
			RowID:         row.RowID,
			Category:      row.Category,
			Filename:      row.Filename,
			Result:        row.Result,
			Score:         row.Score,
			LowConfidence: row.LowConfidenceFields(h.threshold),
		}
		if item.Score == nil {
			item.Score = map[string]float64{}
		}
		if row.PreviewPath != nil {
			url := fmt.Sprintf("%s/v1/batches/%s/files/%s/preview", base, b.ID, row.RowID)
			item.PreviewURL = &url
		}
		items[i] = item
	}
	writeJSON(w, http.StatusOK, reviewRowsResponse{
		SchemaVersion: SchemaVersion,
		BatchID:       b.ID,
		Status:        b.Status,
		Rows:          items,
	})
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	path, err := h.service.PreviewPath(r.Context(), id, r.PathValue("rowID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		h.writeError(w, batch.ErrPreviewNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.writeError(w, batch.ErrPreviewNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(path)))
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (h *Handler) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		h.writeError(w, err)
		return
	}
	updated, err := h.service.SubmitReview(r.Context(), id, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchResponse(updated))
}

func (h *Handler) handleMergeSource(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, &batch.InvalidRequestError{Field: "file", Message: "file upload is required"})
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	updated, path, err := h.service.SaveMergeSource(r.Context(), id, batch.UploadFile{
		Field:    "file",
		Filename: header.Filename,
		Content:  file,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mergeSourceResponse{
		SchemaVersion:    SchemaVersion,
		BatchID:          updated.ID,
		MonthlyExcelPath: path,
		CreatedAt:        updated.UpdatedAt,
	})
}

func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	h.queueMerge(w, r, false)
}

func (h *Handler) handleRetryMerge(w http.ResponseWriter, r *http.Request) {
	h.queueMerge(w, r, true)
}

func (h *Handler) queueMerge(w http.ResponseWriter, r *http.Request, retry bool) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		h.writeError(w, err)
		return
	}
	req, err := batch.DecodeMergeRequest(body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var task domain.Task
	if retry {
		task, err = h.service.RetryMerge(r.Context(), id, req)
	} else {
		task, err = h.service.RequestMerge(r.Context(), id, req)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newTaskResponse(task, domain.BatchStatusMerging))
}

func (h *Handler) batchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeErrorBody(w, http.StatusNotFound, "NotFound", "batch not found", nil)
		return uuid.Nil, false
	}
	return id, true
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &batch.InvalidRequestError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return nil, &batch.InvalidRequestError{Message: fmt.Sprintf("failed to read request body: %v", err)}
	}
	return body, nil
}

func intParam(raw, name string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &batch.InvalidRequestError{Field: name, Message: "must be an integer"}
	}
	return v, nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}
