package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skippedTags never contribute text content to the extracted document.
var skippedTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Head:     true,
	atom.Noscript: true,
}

// blockTags force a line break after their content, so table cells and
// paragraphs in a filing don't run together.
var blockTags = map[atom.Atom]bool{
	atom.P:     true,
	atom.Div:   true,
	atom.Tr:    true,
	atom.Br:    true,
	atom.Li:    true,
	atom.Table: true,
	atom.Td:    true,
}

// extractHTML strips tags and decodes entities, collapsing the result into
// plain text with paragraph/row boundaries preserved as newlines.
func extractHTML(content []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	walkHTML(doc, &sb)

	text := collapseWhitespace(sb.String())
	return text, nil
}

func walkHTML(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skippedTags[n.DataAtom] {
		return
	}

	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHTML(c, sb)
	}

	if n.Type == html.ElementNode && blockTags[n.DataAtom] {
		sb.WriteString("\n")
	}
}

func collapseWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.Join(strings.Fields(line), " ")
		if trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}
