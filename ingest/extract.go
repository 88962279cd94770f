package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDF pulls the plain text out of a PDF document. Pages that cannot
// be read are skipped; page texts are joined with blank lines.
func ExtractPDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(text); s != "" {
			pages = append(pages, s)
		}
	}
	if len(pages) == 0 {
		return "", errors.New("no extractable text")
	}
	return strings.Join(pages, "\n\n"), nil
}
