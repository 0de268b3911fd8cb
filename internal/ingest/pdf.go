package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxPDFPages bounds the work done on a single PDF.
const MaxPDFPages = 500

// PDFText extracts plain text from a PDF, one blank-line separated paragraph
// per page. Pages that fail to decode are skipped.
func PDFText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	total := r.NumPage()
	if total == 0 {
		return "", errors.New("pdf has no pages")
	}
	if total > MaxPDFPages {
		return "", fmt.Errorf("pdf has %d pages, limit is %d", total, MaxPDFPages)
	}

	var pages []string
	for i := 1; i <= total; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}
