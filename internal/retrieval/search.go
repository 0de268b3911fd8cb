package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Mode selects how documents are scored against a query.
type Mode string

const (
	// ModeLexical scores by the fraction of query words found in the content.
	ModeLexical Mode = "lexical"
	// ModeVector scores by cosine similarity of embeddings.
	ModeVector Mode = "vector"
	// ModeHybrid averages the lexical and vector scores.
	ModeHybrid Mode = "hybrid"
)

// ParseMode validates a mode name. The empty string maps to ModeLexical.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLexical:
		return ModeLexical, nil
	case ModeVector:
		return ModeVector, nil
	case ModeHybrid:
		return ModeHybrid, nil
	}
	return "", fmt.Errorf("unknown search mode %q (want lexical, vector, or hybrid)", s)
}

// Query is a search request. Vector, when set, is used instead of embedding
// Text in vector and hybrid modes.
type Query struct {
	Text   string
	Vector []float32
	Mode   Mode
}

// Cosine returns dot(a,b)/(|a||b|), or 0 when the lengths differ or either
// norm is zero.
func Cosine(a, b []float32) float32 {
	return dotProduct(a, b, norm(a))
}

// LexicalOverlap returns the fraction of whitespace-separated query words
// that occur (as substrings) in content, case-insensitively.
func LexicalOverlap(query, content string) float32 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matches := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			matches++
		}
	}
	return float32(matches) / float32(len(words))
}

// Searcher scores stored documents against a query.
type Searcher struct {
	store    Store
	embedder Embedder
}

// NewSearcher creates a Searcher over store. embedder may be nil when only
// lexical search is used.
func NewSearcher(store Store, embedder Embedder) *Searcher {
	return &Searcher{store: store, embedder: embedder}
}

// Search scores documents, drops those below threshold, sorts descending with
// ties kept in insertion order, and truncates to topK (topK <= 0 keeps all).
// An empty corpus yields an empty result, not an error.
func (s *Searcher) Search(ctx context.Context, q Query, topK int, threshold float32) ([]ScoredDocument, error) {
	mode := q.Mode
	if mode == "" {
		mode = ModeLexical
	}

	var vec []float32
	if mode == ModeVector || mode == ModeHybrid {
		vec = q.Vector
		if vec == nil {
			if s.embedder == nil {
				return nil, fmt.Errorf("%s search requires an embedder", mode)
			}
			var err error
			vec, err = s.embedder.Embed(ctx, q.Text)
			if err != nil {
				return nil, fmt.Errorf("embedding query: %w", err)
			}
		}
	}

	// A zero query vector scores 0 against every document; the scan below
	// applies the threshold to that like any other score.
	if mode == ModeVector && norm(vec) > 0 {
		if vs, ok := s.store.(VectorSearcher); ok {
			return vs.SearchVector(ctx, vec, topK, threshold)
		}
	}

	docs, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}

	var vecNorm float32
	if vec != nil {
		vecNorm = norm(vec)
	}

	results := make([]ScoredDocument, 0, len(docs))
	for _, d := range docs {
		var score float32
		switch mode {
		case ModeLexical:
			score = LexicalOverlap(q.Text, d.Content)
		case ModeVector:
			score = dotProduct(vec, d.Embedding, vecNorm)
		case ModeHybrid:
			score = 0.5*dotProduct(vec, d.Embedding, vecNorm) + 0.5*LexicalOverlap(q.Text, d.Content)
		default:
			return nil, fmt.Errorf("unknown search mode %q", mode)
		}
		if score < threshold {
			continue
		}
		results = append(results, ScoredDocument{Document: d, Score: score})
	}

	sortByScore(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// sortByScore sorts ScoredDocuments by Score descending, keeping the input
// order for equal scores.
func sortByScore(results []ScoredDocument) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}
