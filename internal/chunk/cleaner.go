package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// cleaner normalizes extracted filing text before it is split into chunks,
// adapted from the teacher's document/cleaner.go.
type cleaner struct {
	multipleSpacesRegex   *regexp.Regexp
	multipleNewlinesRegex *regexp.Regexp
	tabsRegex             *regexp.Regexp
}

func newCleaner() *cleaner {
	return &cleaner{
		multipleSpacesRegex:   regexp.MustCompile(`[ \t]+`),
		multipleNewlinesRegex: regexp.MustCompile(`\n{3,}`),
		tabsRegex:             regexp.MustCompile(`\t+`),
	}
}

// cleanText strips invisible characters and collapses runs of whitespace,
// which shifts byte offsets; chunk offsets are therefore computed against
// the cleaned text, not the raw extracted text.
func (c *cleaner) cleanText(text string) string {
	text = c.removeInvisibleCharacters(text)
	text = c.normalizeWhitespace(text)
	text = c.multipleNewlinesRegex.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)
	return text
}

func (c *cleaner) normalizeWhitespace(text string) string {
	text = c.tabsRegex.ReplaceAllString(text, " ")
	text = c.multipleSpacesRegex.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, " \n", "\n")
	text = strings.ReplaceAll(text, "\n ", "\n")
	return text
}

func (c *cleaner) removeInvisibleCharacters(text string) string {
	var builder strings.Builder
	builder.Grow(len(text))

	for _, r := range text {
		switch r {
		case '\u200B', '\u200C', '\u200D', '\uFEFF':
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			builder.WriteRune(r)
		}
	}

	return builder.String()
}

// isMostlyWhitespace reports whether text is under 10% non-whitespace.
func (c *cleaner) isMostlyWhitespace(text string) bool {
	if len(text) == 0 {
		return true
	}
	nonWhitespace := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			nonWhitespace++
		}
	}
	return float64(nonWhitespace)/float64(len(text)) < 0.1
}

// hashText computes the deterministic content hash the Persist stage uses
// to gate re-upserts (§4.4 stage 4): SHA-256 over the UTF-8 bytes of text
// after normalizing line endings, so a chunk re-extracted from a file that
// round-tripped through a different line-ending convention still hashes
// identically.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(normalizeLineEndings(text)))
	return hex.EncodeToString(sum[:])
}

// normalizeLineEndings maps "\r\n" and lone "\r" to "\n".
func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return text
}
