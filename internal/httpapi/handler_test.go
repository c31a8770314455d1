package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rpattn/billflow/internal/batch"
	"github.com/rpattn/billflow/internal/domain"
	"github.com/rpattn/billflow/internal/middleware"
	"github.com/rpattn/billflow/internal/queue"
	"github.com/rpattn/billflow/internal/repository"

	"github.com/google/uuid"
)

type apiFixture struct {
	server *httptest.Server
	store  repository.BatchRepository
	queue  *queue.MemoryQueue
	svc    *batch.Service
}

func newFixture(t *testing.T, opts ...batch.Option) *apiFixture {
	t.Helper()
	store := repository.NewMemoryBatchRepository()
	q := queue.NewMemoryQueue()
	svc := batch.NewService(store, q, append([]batch.Option{batch.WithDataDir(t.TempDir())}, opts...)...)
	handler := middleware.DataLoaderMiddleware(store)(NewHandler(svc))
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &apiFixture{server: server, store: store, queue: q, svc: svc}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, raw)
		}
	}
	return resp, decoded
}

func (f *apiFixture) json(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	return f.do(t, method, path, "application/json", strings.NewReader(body))
}

func errorCode(body map[string]any) string {
	envelope, _ := body["error"].(map[string]any)
	code, _ := envelope["code"].(string)
	return code
}

// toReviewReady finishes processing for a batch created through the API.
func (f *apiFixture) toReviewReady(t *testing.T, id uuid.UUID, rows []domain.ReviewRow) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.Transition(ctx, id, repository.Transition{
		From: []domain.BatchStatus{domain.BatchStatusQueued},
		To:   domain.BatchStatusRunning,
	}); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if _, err := f.store.CompleteProcessing(ctx, id, rows, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

const createDaily = `{"type":"daily","run_date":"04/02/2026","inputs":[{"path":"/in/zbon.pdf","category":"zbon"},{"path":"/in/bar.pdf","category":"bar"}]}`

func createdID(t *testing.T, body map[string]any) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(body["batch_id"].(string))
	if err != nil {
		t.Fatalf("batch_id: %v", err)
	}
	return id
}

func TestCreateAndGetBatch(t *testing.T) {
	f := newFixture(t)

	resp, body := f.json(t, http.MethodPost, "/v1/batches", createDaily)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
	if body["schema_version"] != SchemaVersion || body["status"] != "queued" || body["task_type"] != "process_batch" {
		t.Fatalf("unexpected create body: %v", body)
	}
	if body["run_date"] != "04/02/2026" {
		t.Fatalf("expected DD/MM/YYYY run_date, got %v", body["run_date"])
	}
	id := createdID(t, body)

	resp, body = f.json(t, http.MethodGet, "/v1/batches/"+id.String(), "")
	if resp.StatusCode != http.StatusOK || body["batch_id"] != id.String() {
		t.Fatalf("unexpected get: %d %v", resp.StatusCode, body)
	}
	if body["error"] != nil || body["merge_output"] != nil {
		t.Fatalf("expected null error and merge_output, got %v / %v", body["error"], body["merge_output"])
	}

	resp, body = f.json(t, http.MethodGet, "/v1/batches/"+uuid.NewString(), "")
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != "NotFound" {
		t.Fatalf("expected 404 NotFound, got %d %v", resp.StatusCode, body)
	}
	resp, _ = f.json(t, http.MethodGet, "/v1/batches/not-a-uuid", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for malformed id, got %d", resp.StatusCode)
	}
}

func TestCreateBatch_RejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	resp, body := f.json(t, http.MethodPost, "/v1/batches", `{"type":"daily","inputs":[],"priority":1}`)
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != "InvalidRequest" {
		t.Fatalf("expected 400 InvalidRequest, got %d %v", resp.StatusCode, body)
	}
}

func TestSubmitReview(t *testing.T) {
	f := newFixture(t)
	_, body := f.json(t, http.MethodPost, "/v1/batches", createDaily)
	id := createdID(t, body)
	path := "/v1/batches/" + id.String() + "/review"
	submission := `{"rows":[{"row_id":"row-0001","category":"zbon","filename":"zbon.pdf","result":{"brutto":"119.00"}}]}`

	resp, body := f.json(t, http.MethodPut, path, submission)
	if resp.StatusCode != http.StatusConflict || errorCode(body) != "ReviewNotAllowed" {
		t.Fatalf("expected 409 while queued, got %d %v", resp.StatusCode, body)
	}

	f.toReviewReady(t, id, []domain.ReviewRow{
		{RowID: "row-0001", Category: domain.CategoryZBon, Filename: "zbon.pdf", Result: map[string]any{"brutto": "100.00"}},
	})

	resp, body = f.json(t, http.MethodPut, path, `{"rows":[{"row_id":"row-0001","category":"zbon","filename":"zbon.pdf","result":{}}],"comment":"x"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity || errorCode(body) != "ValidationError" {
		t.Fatalf("expected 422, got %d %v", resp.StatusCode, body)
	}
	details, _ := body["error"].(map[string]any)["details"].(map[string]any)
	if issues, _ := details["issues"].([]any); len(issues) < 2 {
		t.Fatalf("expected issues for both problems, got %v", details)
	}

	resp, body = f.json(t, http.MethodPut, path, submission)
	if resp.StatusCode != http.StatusOK || body["status"] != "review_ready" {
		t.Fatalf("expected 200 with unchanged status, got %d %v", resp.StatusCode, body)
	}
}

func TestMergeEndpoints(t *testing.T) {
	f := newFixture(t)
	_, body := f.json(t, http.MethodPost, "/v1/batches", createDaily)
	id := createdID(t, body)
	f.toReviewReady(t, id, []domain.ReviewRow{
		{RowID: "row-0001", Category: domain.CategoryZBon, Filename: "zbon.pdf", Result: map[string]any{"brutto": "100.00"}},
	})
	path := "/v1/batches/" + id.String() + "/merge"

	resp, body := f.json(t, http.MethodPost, path, `{"mode":"overwrite","monthly_excel_path":null}`)
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != "LedgerTargetMissing" {
		t.Fatalf("expected 400 LedgerTargetMissing, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.json(t, http.MethodPost, path, `{"mode":"overwrite","monthly_excel_path":"/ledgers/feb.xlsx","metadata":{"operator":"kim"}}`)
	if resp.StatusCode != http.StatusAccepted || body["task_type"] != "merge_batch" || body["status"] != "merging" {
		t.Fatalf("expected 202 merge task, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.json(t, http.MethodPost, path, `{"mode":"overwrite","monthly_excel_path":"/ledgers/feb.xlsx"}`)
	if resp.StatusCode != http.StatusConflict || errorCode(body) != "StatusConflict" {
		t.Fatalf("expected 409 on second merge, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.json(t, http.MethodPost, path+"/retry", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 retrying a merging batch, got %d %v", resp.StatusCode, body)
	}
}

func TestListBatches_WithReviewSummary(t *testing.T) {
	f := newFixture(t)
	_, body := f.json(t, http.MethodPost, "/v1/batches", createDaily)
	ready := createdID(t, body)
	f.json(t, http.MethodPost, "/v1/batches", createDaily)
	f.toReviewReady(t, ready, []domain.ReviewRow{
		{RowID: "row-0001", Category: domain.CategoryZBon, Result: map[string]any{"brutto": "1", "netto": "1", "total_tax": "0"},
			Score: map[string]float64{"brutto": 0.99, "netto": 0.99, "total_tax": 0.99}},
		{RowID: "row-0002", Category: domain.CategoryBar, Result: map[string]any{"brutto": "1"}},
	})

	resp, body := f.json(t, http.MethodGet, "/v1/batches?status=review_ready&include=review_summary", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one review_ready batch, got %d", len(items))
	}
	summary, _ := items[0].(map[string]any)["review_summary"].(map[string]any)
	if summary["total"] != float64(2) || summary["needs_review"] != float64(1) {
		t.Fatalf("unexpected summary: %v", summary)
	}

	resp, body = f.json(t, http.MethodGet, "/v1/batches?status=archived", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d %v", resp.StatusCode, body)
	}
}

func TestUploadBatchAndPreview(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("type", "office")
	_ = mw.WriteField("run_date", "04/02/2026")
	_ = mw.WriteField("metadata_json", `{"source":"scanner"}`)
	part, _ := mw.CreateFormFile("office_files", "invoice.pdf")
	_, _ = part.Write([]byte("%PDF-1.4 invoice"))
	_ = mw.Close()

	resp, body := f.do(t, http.MethodPost, "/v1/batches/upload", mw.FormDataContentType(), &buf)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}
	id := createdID(t, body)
	stored, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Metadata["source"] != "scanner" || len(stored.Inputs) != 1 {
		t.Fatalf("unexpected stored batch: %+v", stored)
	}

	preview := stored.Inputs[0].Path
	f.toReviewReady(t, id, []domain.ReviewRow{
		{RowID: "row-0001", Category: domain.CategoryOffice, Filename: "invoice.pdf", Result: map[string]any{"brutto": "1"}, PreviewPath: &preview},
	})

	resp, body = f.json(t, http.MethodGet, "/v1/batches/"+id.String()+"/review-rows", "")
	rows, _ := body["rows"].([]any)
	if resp.StatusCode != http.StatusOK || len(rows) != 1 {
		t.Fatalf("unexpected review rows: %d %v", resp.StatusCode, body)
	}
	url, _ := rows[0].(map[string]any)["preview_url"].(string)
	if !strings.HasSuffix(url, "/v1/batches/"+id.String()+"/files/row-0001/preview") {
		t.Fatalf("unexpected preview url %q", url)
	}

	previewResp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get preview: %v", err)
	}
	content, _ := io.ReadAll(previewResp.Body)
	previewResp.Body.Close()
	if previewResp.StatusCode != http.StatusOK || string(content) != "%PDF-1.4 invoice" {
		t.Fatalf("unexpected preview response: %d %q", previewResp.StatusCode, content)
	}

	resp, _ = f.json(t, http.MethodGet, "/v1/batches/"+id.String()+"/files/row-0009/preview", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown row, got %d", resp.StatusCode)
	}
}

func TestUploadBatch_RejectsWrongShape(t *testing.T) {
	f := newFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("type", "daily")
	part, _ := mw.CreateFormFile("bar_files", "bar.pdf")
	_, _ = part.Write([]byte("%PDF"))
	_ = mw.Close()

	resp, body := f.do(t, http.MethodPost, "/v1/batches/upload", mw.FormDataContentType(), &buf)
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != "InvalidRequest" {
		t.Fatalf("expected 400 without zbon_file, got %d %v", resp.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.json(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}
}
