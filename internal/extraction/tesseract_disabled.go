//go:build !tesseract

package extraction

import "errors"

// ErrTesseractUnavailable is returned when OCR support was not compiled in.
var ErrTesseractUnavailable = errors.New("extraction: binary built without the tesseract tag")

// NewOCR reports ErrTesseractUnavailable; rebuild with -tags tesseract.
func NewOCR(languages ...string) (Extractor, error) {
	return nil, ErrTesseractUnavailable
}
