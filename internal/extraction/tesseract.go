//go:build tesseract

package extraction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractExtractor runs local OCR over image inputs. It is only compiled
// with the tesseract build tag because gosseract links against libtesseract.
type TesseractExtractor struct {
	Languages     []string
	clientFactory func() *gosseract.Client
}

// NewTesseractExtractor constructs an OCR extractor for the given languages.
func NewTesseractExtractor(languages ...string) *TesseractExtractor {
	if len(languages) == 0 {
		languages = []string{"deu", "eng"}
	}
	return &TesseractExtractor{Languages: languages, clientFactory: gosseract.NewClient}
}

// NewOCR returns the local OCR extractor.
func NewOCR(languages ...string) (Extractor, error) {
	return NewTesseractExtractor(languages...), nil
}

func (e *TesseractExtractor) Extract(ctx context.Context, in Input) (Result, error) {
	switch strings.ToLower(filepath.Ext(in.Path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
	default:
		return Result{}, &Error{Kind: KindInvalidContent, Message: fmt.Sprintf("%s: tesseract only reads image inputs", filepath.Base(in.Path))}
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, &Error{Kind: KindInvalidContent, Message: fmt.Sprintf("missing input file: %s", in.Path), Err: err}
		}
		return Result{}, &Error{Kind: KindInvalidContent, Message: err.Error(), Err: err}
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(data); err != nil {
		return Result{}, &Error{Kind: KindInvalidContent, Message: fmt.Sprintf("set image: %v", err), Err: err}
	}
	if err := c.SetLanguage(e.Languages...); err != nil {
		return Result{}, &Error{Kind: KindServiceUnavailable, Message: fmt.Sprintf("set languages: %v", err), Err: err}
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return Result{}, &Error{Kind: KindInvalidContent, Message: fmt.Sprintf("recognize text: %v", err), Err: err}
	}
	lines := make([]Line, 0, len(boxes))
	for _, b := range boxes {
		lines = append(lines, Line{Text: b.Word, Confidence: b.Confidence / 100.0})
	}
	if len(lines) == 0 {
		return Result{}, &Error{Kind: KindInvalidContent, Message: fmt.Sprintf("%s: no text recognised", filepath.Base(in.Path))}
	}
	return ParseReceipt(in.Category, lines), nil
}
