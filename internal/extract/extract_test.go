package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threeequarter/filings-rag/internal/domain"
)

func TestExtract_PlainText(t *testing.T) {
	text, err := Extract("item7.txt", []byte("Management's Discussion and Analysis"))
	require.NoError(t, err)
	assert.Equal(t, "Management's Discussion and Analysis", text)
}

func TestExtract_HTML(t *testing.T) {
	html := []byte(`<html><body><p>Revenue</p><p>Increased 10%</p><script>evil()</script></body></html>`)
	text, err := Extract("10-k.htm", html)
	require.NoError(t, err)
	assert.Contains(t, text, "Revenue")
	assert.Contains(t, text, "Increased 10%")
	assert.NotContains(t, text, "evil")
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	_, err := Extract("filing.docx", []byte("whatever"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidationError))
}
