package processing

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// ValidatePDF rejects files the extraction queue would fail on anyway:
// anything that is not a parseable PDF with at least one page.
func ValidatePDF(name string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%s: empty file", name)
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%s: not a readable PDF: %w", name, err)
	}
	if reader.NumPage() < 1 {
		return fmt.Errorf("%s: PDF has no pages", name)
	}
	return nil
}
