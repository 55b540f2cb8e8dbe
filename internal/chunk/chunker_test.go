package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_SmallDocumentIsSingleChunk(t *testing.T) {
	c := New(DefaultChunkSize, DefaultChunkOverlap)
	cleaned, chunks := c.Split("short filing excerpt")

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, cleaned, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len(cleaned), chunks[0].EndOffset)
}

func TestSplit_OffsetsAreMonotonicAndWithinBounds(t *testing.T) {
	c := New(200, 20)
	var sb strings.Builder
	for i := 0; i < 50; i++ {
		sb.WriteString("Item 9. Revenue increased materially in the reporting period. ")
	}
	text := sb.String()

	cleaned, chunks := c.Split(text)
	require.True(t, len(chunks) > 1)

	prevEnd := -1
	for _, ch := range chunks {
		assert.True(t, ch.StartOffset >= 0)
		assert.True(t, ch.EndOffset <= len(cleaned))
		assert.True(t, ch.StartOffset <= ch.EndOffset)
		assert.True(t, ch.StartOffset >= prevEnd-c.ChunkOverlap)
		assert.Equal(t, cleaned[ch.StartOffset:ch.EndOffset], ch.Text)
		prevEnd = ch.EndOffset
	}
}

func TestSplit_SkipsWhitespaceOnlyPieces(t *testing.T) {
	c := New(10, 2)
	_, chunks := c.Split("a\n\n\n\n\n\n\n\n\n\n\n\n\n\n\n\n\n\n\n\n\nb")

	for _, ch := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(ch.Text))
	}
}

func TestHash_Deterministic(t *testing.T) {
	assert.Equal(t, Hash("same text"), Hash("same text"))
	assert.NotEqual(t, Hash("same text"), Hash("different text"))
}
