package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rpattn/billflow/internal/domain"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

// Multipart field names accepted by CreateFromUpload.
const (
	FieldZBon   = "zbon_file"
	FieldBar    = "bar_files"
	FieldOffice = "office_files"
)

// UploadFile is one uploaded part.
type UploadFile struct {
	Field    string
	Filename string
	Content  io.Reader
}

// UploadRequest is a multipart batch creation.
type UploadRequest struct {
	Type     domain.BatchType
	RunDate  *domain.RunDate
	Metadata map[string]any
	Files    []UploadFile
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CreateFromUpload checks the file-shape rules for the batch type, stores the
// files under the batch directory and creates the batch over them.
// Daily batches take exactly one zbon_file and any number of bar_files;
// office batches take at least one office_files part. Only PDFs are accepted.
func (s *Service) CreateFromUpload(ctx context.Context, req UploadRequest) (domain.Batch, domain.Task, error) {
	if !req.Type.Valid() {
		return domain.Batch{}, domain.Task{}, invalid("type", "unsupported batch type %q", req.Type)
	}
	byField := map[string][]UploadFile{}
	for _, f := range req.Files {
		switch f.Field {
		case FieldZBon, FieldBar, FieldOffice:
		default:
			return domain.Batch{}, domain.Task{}, invalid(f.Field, "unexpected file field")
		}
		if !strings.EqualFold(filepath.Ext(f.Filename), ".pdf") {
			return domain.Batch{}, domain.Task{}, invalid(f.Field, "must be PDF files")
		}
		byField[f.Field] = append(byField[f.Field], f)
	}

	type part struct {
		file     UploadFile
		category domain.Category
		index    int
	}
	var parts []part
	switch req.Type {
	case domain.BatchTypeDaily:
		if len(byField[FieldOffice]) > 0 {
			return domain.Batch{}, domain.Task{}, invalid(FieldOffice, "not allowed when type=daily")
		}
		if len(byField[FieldZBon]) != 1 {
			return domain.Batch{}, domain.Task{}, invalid(FieldZBon, "daily upload requires exactly one zbon_file")
		}
		parts = append(parts, part{byField[FieldZBon][0], domain.CategoryZBon, 1})
		for i, f := range byField[FieldBar] {
			parts = append(parts, part{f, domain.CategoryBar, i + 1})
		}
	case domain.BatchTypeOffice:
		if len(byField[FieldZBon]) > 0 || len(byField[FieldBar]) > 0 {
			return domain.Batch{}, domain.Task{}, invalid(FieldOffice, "zbon_file/bar_files are not allowed when type=office")
		}
		if len(byField[FieldOffice]) == 0 {
			return domain.Batch{}, domain.Task{}, invalid(FieldOffice, "office upload requires at least one office_files item")
		}
		for i, f := range byField[FieldOffice] {
			parts = append(parts, part{f, domain.CategoryOffice, i + 1})
		}
	}

	id := uuid.New()
	inputDir := filepath.Join(s.BatchDir(id), "inputs")
	inputs := make([]domain.InputFile, 0, len(parts))
	for _, p := range parts {
		path, err := saveUpload(filepath.Join(inputDir, string(p.category)), string(p.category), p.index, ".pdf", p.file)
		if err != nil {
			return domain.Batch{}, domain.Task{}, err
		}
		category := p.category
		inputs = append(inputs, domain.InputFile{Path: path, Category: &category})
	}

	return s.create(ctx, id, CreateRequest{
		Type:     req.Type,
		RunDate:  req.RunDate,
		Inputs:   inputs,
		Metadata: req.Metadata,
	})
}

// SaveMergeSource stores an uploaded ledger for the batch and records it as
// the merge fallback target.
func (s *Service) SaveMergeSource(ctx context.Context, id uuid.UUID, file UploadFile) (domain.Batch, string, error) {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return domain.Batch{}, "", err
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext != ".xlsx" && ext != ".xlsm" {
		return domain.Batch{}, "", invalid("file", "must be .xlsx or .xlsm file")
	}

	content, err := io.ReadAll(file.Content)
	if err != nil {
		return domain.Batch{}, "", fmt.Errorf("read merge source: %w", err)
	}
	wb, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return domain.Batch{}, "", invalid("file", "must be Excel file")
	}
	sheets := wb.GetSheetList()
	_ = wb.Close()
	if len(sheets) == 0 {
		return domain.Batch{}, "", invalid("file", "workbook has no sheets")
	}

	path, err := saveUpload(filepath.Join(s.BatchDir(id), "merge_source"), "monthly_source", 1, ext, UploadFile{
		Field:    file.Field,
		Filename: file.Filename,
		Content:  bytes.NewReader(content),
	})
	if err != nil {
		return domain.Batch{}, "", err
	}
	batch, err := s.store.MergeArtifacts(ctx, id, map[string]any{ArtifactMergeSource: path})
	if err != nil {
		return domain.Batch{}, "", err
	}
	s.logger.Info("merge source uploaded", "batchID", id, "path", path)
	return batch, path, nil
}

// saveUpload writes to dir/NN_stem<suffix>, adding _2, _3 ... when taken.
func saveUpload(dir, prefix string, index int, suffix string, file UploadFile) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(file.Filename), filepath.Ext(file.Filename))
	stem = strings.Trim(unsafeNameChars.ReplaceAllString(stem, "_"), "_.")
	if stem == "" {
		stem = prefix
	}

	path := filepath.Join(dir, fmt.Sprintf("%02d_%s%s", index, stem, suffix))
	for attempt := 2; ; attempt++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%02d_%s_%d%s", index, stem, attempt, suffix))
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(out, file.Content); err != nil {
		out.Close()
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

func writeJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, payload, 0o644)
}
