package extract

import (
	"bytes"
	"fmt"

	"github.com/dslipak/pdf"

	"github.com/threeequarter/filings-rag/internal/domain"
)

// extractPDF reads all pages of a PDF filing and concatenates their plain
// text, page by page, separated by a blank line.
func extractPDF(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", domain.NewError(domain.KindValidationError, "failed to open PDF", err)
	}

	var buf bytes.Buffer
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", domain.NewError(domain.KindValidationError,
				fmt.Sprintf("failed to extract PDF page %d", i), err)
		}
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}

	if buf.Len() == 0 {
		return "", domain.NewError(domain.KindValidationError, "PDF contained no extractable text", nil)
	}

	return buf.String(), nil
}
