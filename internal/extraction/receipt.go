package extraction

import (
	"regexp"
	"strings"

	"github.com/rpattn/billflow/internal/domain"
)

// Line is one recognised text line with its OCR confidence in [0,1].
type Line struct {
	Text       string
	Confidence float64
}

var (
	amountPattern = regexp.MustCompile(`-?\d{1,3}(?:[.\s]\d{3})*(?:,\d{2})|-?\d+(?:[.,]\d{2})`)
	taxIDPattern  = regexp.MustCompile(`(?i)(?:st\.?-?nr\.?|steuernummer|ust-?id(?:nr)?\.?)[:\s]*([A-Z]{0,2}[0-9][0-9/ ]{6,}[0-9])`)

	bruttoLabels = []string{"summe", "gesamt", "total", "brutto", "zu zahlen"}
	nettoLabels  = []string{"netto", "nettobetrag"}
	taxLabels    = []string{"mwst", "ust", "steuer", "vat"}
)

// ParseReceipt picks the fields a review row needs out of OCR lines. Office
// documents additionally carry tax_id and sender.
func ParseReceipt(category domain.Category, lines []Line) Result {
	out := Result{Fields: map[string]string{}, Confidence: map[string]float64{}}

	for _, line := range lines {
		text := strings.TrimSpace(strings.SplitN(strings.TrimSpace(line.Text), "\n", 2)[0])
		if text == "" {
			continue
		}
		key := "store_name"
		if category == domain.CategoryOffice {
			key = "sender"
		}
		out.Fields[key] = text
		out.Confidence[key] = clampConfidence(line.Confidence)
		break
	}

	for _, line := range lines {
		lower := strings.ToLower(line.Text)
		amount, ok := lastAmount(line.Text)

		if ok && hasLabel(lower, nettoLabels) {
			setOnce(out, "netto", amount, line.Confidence)
			continue
		}
		if ok && hasLabel(lower, taxLabels) && !strings.Contains(lower, "steuernummer") {
			setOnce(out, "total_tax", amount, line.Confidence)
			continue
		}
		if ok && hasLabel(lower, bruttoLabels) {
			setOnce(out, "brutto", amount, line.Confidence)
			continue
		}
		if category == domain.CategoryOffice {
			if match := taxIDPattern.FindStringSubmatch(line.Text); match != nil {
				setOnce(out, "tax_id", strings.TrimSpace(match[1]), line.Confidence)
			}
		}
	}
	return out
}

func setOnce(out Result, key, value string, confidence float64) {
	if _, exists := out.Fields[key]; exists {
		return
	}
	out.Fields[key] = value
	out.Confidence[key] = clampConfidence(confidence)
}

func hasLabel(lower string, labels []string) bool {
	for _, label := range labels {
		if strings.Contains(lower, label) {
			return true
		}
	}
	return false
}

// lastAmount returns the right-most money value on the line as a dot-decimal string.
func lastAmount(text string) (string, bool) {
	matches := amountPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return NormalizeAmount(matches[len(matches)-1]), true
}

// NormalizeAmount converts "1.234,56" and "12,50" style values to "1234.56".
func NormalizeAmount(raw string) string {
	value := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if strings.Contains(value, ",") {
		value = strings.ReplaceAll(value, ".", "")
		value = strings.ReplaceAll(value, ",", ".")
	}
	return value
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
