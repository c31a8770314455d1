package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPExtractor posts each document to an external extraction service as a
// multipart upload and decodes a {"fields":{},"confidence":{}} response.
type HTTPExtractor struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPExtractor returns a client for the service at baseURL.
func NewHTTPExtractor(baseURL string, timeout time.Duration) *HTTPExtractor {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &HTTPExtractor{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	file, err := os.Open(in.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, &Error{Kind: KindInvalidContent, Message: fmt.Sprintf("missing input file: %s", in.Path), Err: err}
		}
		return Result{}, &Error{Kind: KindInvalidContent, Message: err.Error(), Err: err}
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("category", string(in.Category)); err != nil {
		return Result{}, err
	}
	if err := writer.WriteField("batch_type", string(in.BatchType)); err != nil {
		return Result{}, err
	}
	part, err := writer.CreateFormFile("file", filepath.Base(in.Path))
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return Result{}, &Error{Kind: KindInvalidContent, Message: fmt.Sprintf("read %s: %v", filepath.Base(in.Path), err), Err: err}
	}
	if err := writer.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/extract", &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.Client.Do(req)
	if err != nil {
		return Result{}, Classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		message := fmt.Sprintf("extraction service returned status %d", resp.StatusCode)
		if detail != "" {
			message = fmt.Sprintf("%s: %s", message, detail)
		}
		switch {
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
			return Result{}, &Error{Kind: KindTimeout, Message: message}
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return Result{}, &Error{Kind: KindServiceUnavailable, Message: message}
		default:
			return Result{}, &Error{Kind: KindInvalidContent, Message: message}
		}
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &Error{Kind: KindServiceUnavailable, Message: fmt.Sprintf("decode extraction response: %v", err), Err: err}
	}
	if out.Fields == nil {
		out.Fields = map[string]string{}
	}
	if out.Confidence == nil {
		out.Confidence = map[string]float64{}
	}
	// Review rows only hold scores in [0,1].
	for field, c := range out.Confidence {
		out.Confidence[field] = clampConfidence(c)
	}
	return out, nil
}

func readDetail(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(data))
}
