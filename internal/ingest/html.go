package ingest

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MinBlockLength is the shortest extracted HTML block that is kept.
const MinBlockLength = 50

// Block is a run of text taken from one block-level HTML element.
type Block struct {
	Element string // tag name, e.g. "p" or "h2"
	Text    string
}

var blockTags = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Li: true, atom.Td: true, atom.Th: true, atom.Blockquote: true,
}

var skipTags = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Template: true,
	atom.Head: true, atom.Svg: true,
}

// ExtractBlocks parses HTML and returns the text of block-level elements in
// document order. Nested containers do not repeat their children's text: a
// block that wraps other blocks contributes only its own loose text, one
// block per run between the nested ones. Blocks shorter than minLen and
// exact duplicates are dropped.
func ExtractBlocks(r io.Reader, minLen int) ([]Block, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var blocks []Block
	seen := make(map[string]bool)
	emit := func(element, raw string) {
		text := collapseSpace(raw)
		if len(text) >= minLen && !seen[text] {
			seen[text] = true
			blocks = append(blocks, Block{Element: element, Text: text})
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipTags[n.DataAtom] {
				return
			}
			if blockTags[n.DataAtom] {
				if !hasBlockDescendant(n) {
					emit(n.Data, textContent(n))
					return
				}
				var run strings.Builder
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.ElementNode && (blockTags[c.DataAtom] || hasBlockDescendant(c)) {
						emit(n.Data, run.String())
						run.Reset()
						walk(c)
						continue
					}
					run.WriteString(textContent(c))
				}
				emit(n.Data, run.String())
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return blocks, nil
}

// ExtractText returns the extracted blocks joined as blank-line separated
// paragraphs, ready for chunking.
func ExtractText(r io.Reader, minLen int) (string, error) {
	blocks, err := ExtractBlocks(r, minLen)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Text
	}
	return strings.Join(parts, "\n\n"), nil
}

func hasBlockDescendant(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || skipTags[c.DataAtom] {
			continue
		}
		if blockTags[c.DataAtom] || hasBlockDescendant(c) {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipTags[n.DataAtom] {
				return
			}
			if n.DataAtom == atom.Br {
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
