package ingest

import (
	"strings"
	"unicode"
)

// Chunker splits text into paragraph- and sentence-bounded pieces.
type Chunker struct {
	// ParagraphMax is the longest paragraph emitted as a single chunk.
	ParagraphMax int
	// SentenceTarget is the packing limit when a paragraph is split into sentences.
	SentenceTarget int
	// MinParagraph drops shorter paragraphs entirely.
	MinParagraph int
}

// DefaultChunker returns the stock chunking limits.
func DefaultChunker() Chunker {
	return Chunker{ParagraphMax: 400, SentenceTarget: 300, MinParagraph: 30}
}

// minSentence keeps very short fragments attached to the following sentence.
const minSentence = 10

// Split returns the chunks of text in order. A paragraph of at most
// ParagraphMax bytes becomes one chunk; longer paragraphs are cut into
// sentences and packed greedily up to SentenceTarget. A single sentence longer
// than the target is emitted whole.
func (c Chunker) Split(text string) []string {
	c = c.withDefaults()
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var chunks []string
	for _, para := range splitParagraphs(text) {
		if len(para) < c.MinParagraph {
			continue
		}
		if len(para) <= c.ParagraphMax {
			chunks = append(chunks, para)
			continue
		}

		var cur strings.Builder
		for _, sentence := range SplitSentences(para) {
			// +2 leaves room for the joining space and closing punctuation.
			if cur.Len() > 0 && cur.Len()+len(sentence)+2 > c.SentenceTarget {
				chunks = append(chunks, cur.String())
				cur.Reset()
			}
			if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
			cur.WriteString(sentence)
		}
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
		}
	}
	return chunks
}

func (c Chunker) withDefaults() Chunker {
	d := DefaultChunker()
	if c.ParagraphMax <= 0 {
		c.ParagraphMax = d.ParagraphMax
	}
	if c.SentenceTarget <= 0 {
		c.SentenceTarget = d.SentenceTarget
	}
	if c.MinParagraph < 0 {
		c.MinParagraph = 0
	}
	return c
}

// splitParagraphs splits on blank lines. Lines containing only whitespace
// count as blank.
func splitParagraphs(text string) []string {
	var paras []string
	var cur []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			paras = append(paras, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return paras
}

// SplitSentences cuts text after '.', '!' or '?' when the punctuation is
// followed by whitespace and an uppercase letter, or ends the text. A
// following lowercase letter or digit never ends a sentence, so "e.g. this"
// and "3.14" stay intact.
func SplitSentences(text string) []string {
	runes := []rune(text)
	var sentences []string
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if !sentenceEnd(runes, i) {
			continue
		}
		s := strings.TrimSpace(string(runes[start : i+1]))
		if len(s) <= minSentence && i+1 < len(runes) {
			continue
		}
		if s != "" {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

func sentenceEnd(runes []rune, i int) bool {
	j := i + 1
	if j == len(runes) {
		return true
	}
	if !unicode.IsSpace(runes[j]) {
		return false
	}
	for j < len(runes) && unicode.IsSpace(runes[j]) {
		j++
	}
	return j == len(runes) || unicode.IsUpper(runes[j])
}
