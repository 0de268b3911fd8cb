package retrieval

import (
	"context"
	"slices"
	"sort"
	"strings"
)

// ContextChunk is a retrieved document with its similarity score and the
// static priority of its source.
type ContextChunk struct {
	Document
	Score    float32
	Priority int
}

// RetrieverConfig controls retrieval. Zero values take the defaults noted on
// each field.
type RetrieverConfig struct {
	MaxChunks   int     // default 5
	Threshold   float32 // minimum score kept
	Mode        Mode    // default ModeLexical
	ExpandQuery bool
}

// DefaultRetrieverConfig returns the stock retrieval settings.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		MaxChunks:   5,
		Threshold:   0.1,
		Mode:        ModeLexical,
		ExpandQuery: true,
	}
}

// Retriever turns a query into ranked context chunks.
type Retriever struct {
	searcher *Searcher
	cfg      RetrieverConfig
}

// NewRetriever creates a Retriever backed by the given Searcher.
func NewRetriever(searcher *Searcher, cfg RetrieverConfig) *Retriever {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 5
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLexical
	}
	return &Retriever{searcher: searcher, cfg: cfg}
}

// Config returns the effective configuration.
func (r *Retriever) Config() RetrieverConfig { return r.cfg }

// Retrieve expands the query (if enabled), searches, and orders the hits by
// score, then source priority, then insertion order.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]ContextChunk, error) {
	text := query
	if r.cfg.ExpandQuery {
		text = ExpandQuery(query)
	}

	scored, err := r.searcher.Search(ctx, Query{Text: text, Mode: r.cfg.Mode}, r.cfg.MaxChunks, r.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	return rankChunks(scored), nil
}

func rankChunks(scored []ScoredDocument) []ContextChunk {
	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = ContextChunk{
			Document: s.Document,
			Score:    s.Score,
			Priority: SourcePriority(s.Source),
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Priority > chunks[j].Priority
	})
	return chunks
}

type expansion struct {
	words      []string // whole-word triggers
	substrings []string // substring triggers
	suffix     string
}

// expansions is applied in order; every matching rule appends its suffix.
var expansions = []expansion{
	{words: []string{"ic"}, substrings: []string{"ibmcloud"}, suffix: " CLI command line interface"},
	{substrings: []string{"login", "auth"}, suffix: " authentication credentials API key"},
	{substrings: []string{"deploy"}, suffix: " deployment application service"},
	{substrings: []string{"function", "serverless"}, suffix: " OpenWhisk Cloud Functions"},
	{substrings: []string{"kubernetes", "k8s"}, suffix: " container cluster IKS"},
}

// ExpandQuery appends domain synonyms for known keywords. "ic" only matches
// as a whole word so that words like "public" do not trigger it.
func ExpandQuery(query string) string {
	lower := strings.ToLower(query)
	words := strings.Fields(lower)
	var sb strings.Builder
	sb.WriteString(query)
	for _, e := range expansions {
		if matchesExpansion(e, lower, words) {
			sb.WriteString(e.suffix)
		}
	}
	return sb.String()
}

func matchesExpansion(e expansion, lower string, words []string) bool {
	for _, w := range e.words {
		if slices.Contains(words, w) {
			return true
		}
	}
	for _, s := range e.substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

type sourceWeight struct {
	contains string
	priority int
}

// sourceWeights is checked in order; the first match wins.
var sourceWeights = []sourceWeight{
	{"cloud.ibm.com/docs/cli", 10},
	{"watsonx", 8},
	{"cloud.ibm.com", 7},
	{"carbondesignsystem.com", 5},
}

// DefaultSourcePriority applies to sources that match no known pattern.
const DefaultSourcePriority = 3

// SourcePriority returns the static weight of a source: canonical CLI docs
// rank highest, generic sources lowest.
func SourcePriority(source string) int {
	lower := strings.ToLower(source)
	for _, w := range sourceWeights {
		if strings.Contains(lower, w.contains) {
			return w.priority
		}
	}
	return DefaultSourcePriority
}
