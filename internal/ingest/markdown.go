package ingest

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// MarkdownText renders Markdown to HTML and extracts its block text, so
// headings, list items and table cells each become their own paragraph.
// Markdown blocks tend to be short, so the paragraph minimum applies later
// in the chunker instead of here.
func MarkdownText(src []byte) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert(src, &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return ExtractText(&buf, 1)
}
