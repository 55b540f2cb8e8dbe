// Package chunk splits extracted filing text into overlapping chunks and
// computes their offsets against the source text, adapted from the
// teacher's internal/document/chunker.go (code-aware chunking dropped:
// filings are never source code).
package chunk

import (
	"strings"
	"unicode"
)

const (
	// DefaultChunkSize is the target size for each chunk in characters.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the number of characters to overlap between chunks.
	DefaultChunkOverlap = 50
)

// Chunk is one piece of a document, with offsets into the cleaned source
// text it was cut from.
type Chunk struct {
	Text        string
	Index       int
	StartOffset int
	EndOffset   int
}

// Chunker splits a cleaned document into overlapping, offset-tracked chunks.
type Chunker struct {
	ChunkSize    int
	ChunkOverlap int
	cleaner      *cleaner
}

// New creates a Chunker with the given size and overlap.
func New(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	return &Chunker{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		cleaner:      newCleaner(),
	}
}

// Split cleans text and splits it into chunks, preserving paragraph and
// sentence boundaries where possible. The offsets recorded on each Chunk are
// computed against the cleaned text returned alongside the chunks, per the
// stage-2 offset algorithm: search for the chunk's own text starting no
// earlier than the running cursor, falling back to the cursor itself if the
// cleaned text doesn't contain an exact match (content can be altered by
// cleaning in a way that changes exact substring boundaries).
func (c *Chunker) Split(text string) (cleaned string, chunks []Chunk) {
	cleaned = c.cleaner.cleanText(text)

	var rawChunks []string
	if len(cleaned) <= c.ChunkSize {
		rawChunks = []string{cleaned}
	} else {
		rawChunks = c.splitRaw(cleaned)
	}

	cursor := 0
	index := 0
	for _, raw := range rawChunks {
		chunkText := c.cleaner.cleanText(raw)
		if chunkText == "" || c.cleaner.isMostlyWhitespace(chunkText) {
			continue
		}

		start := strings.Index(cleaned[min(cursor, len(cleaned)):], chunkText)
		if start == -1 {
			start = min(cursor, len(cleaned))
		} else {
			start += min(cursor, len(cleaned))
		}
		end := start + len(chunkText)

		chunks = append(chunks, Chunk{
			Text:        chunkText,
			Index:       index,
			StartOffset: start,
			EndOffset:   end,
		})
		index++
		cursor = end
	}

	return cleaned, chunks
}

// Hash computes the content hash used to gate re-upserts.
func Hash(text string) string { return hashText(text) }

func (c *Chunker) splitRaw(content string) []string {
	var pieces []string
	position := 0

	for position < len(content) {
		endPos := position + c.ChunkSize
		if endPos > len(content) {
			endPos = len(content)
		}
		if endPos < len(content) {
			endPos = c.findBreakPoint(content, position, endPos)
		}

		pieces = append(pieces, content[position:endPos])

		if endPos == len(content) {
			break
		}

		next := endPos - c.ChunkOverlap
		if next <= position {
			next = position + 1
		}
		position = next
	}

	return pieces
}

// findBreakPoint looks backwards from targetEnd for a natural break:
// paragraph, then line, then sentence, then word boundary.
func (c *Chunker) findBreakPoint(content string, start, targetEnd int) int {
	searchStart := targetEnd - (c.ChunkSize / 5)
	if searchStart < start {
		searchStart = start
	}

	if pos := lastIndexIn(content, searchStart, targetEnd, "\n\n"); pos != -1 {
		return pos + 2
	}
	if pos := lastIndexIn(content, searchStart, targetEnd, "\n"); pos != -1 {
		return pos + 1
	}
	if pos := c.lastSentenceEnd(content, searchStart, targetEnd); pos != -1 {
		return pos
	}
	if pos := lastIndexIn(content, searchStart, targetEnd, " "); pos != -1 {
		return pos + 1
	}
	for i := targetEnd - 1; i >= searchStart; i-- {
		if unicode.IsSpace(rune(content[i])) {
			return i + 1
		}
	}

	return targetEnd
}

func lastIndexIn(content string, start, end int, substr string) int {
	idx := strings.LastIndex(content[start:end], substr)
	if idx == -1 {
		return -1
	}
	return start + idx
}

func (c *Chunker) lastSentenceEnd(content string, start, end int) int {
	for i := end - 1; i >= start; i-- {
		if content[i] == '.' || content[i] == '!' || content[i] == '?' {
			if i+1 < len(content) {
				next := content[i+1]
				if unicode.IsSpace(rune(next)) || next == '\n' || next == '\r' {
					return i + 1
				}
			} else {
				return i + 1
			}
		}
	}
	return -1
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
