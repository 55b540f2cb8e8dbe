// Package extract converts a raw filing document (pdf, html, or plain text)
// into normalized UTF-8 text, dispatching on file extension. The .txt path's
// encoding detection is adapted from the teacher's internal/document/parser.go;
// PDF and HTML extraction are new per spec §4.3.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/threeequarter/filings-rag/internal/domain"
)

// Extract dispatches on fileName's extension and returns normalized text
// extracted from content. An unrecognized extension returns a
// domain.KindValidationError CoreError.
func Extract(fileName string, content []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".pdf":
		return extractPDF(content)
	case ".html", ".htm":
		return extractHTML(content)
	case ".txt", "":
		text, _, err := detectAndConvert(content)
		return text, err
	default:
		return "", domain.NewError(domain.KindValidationError,
			fmt.Sprintf("unsupported document format %q", ext), nil)
	}
}
