package composer

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/cuc/internal/metrics"
	"github.com/kalambet/cuc/internal/retrieval"
)

// DefaultWindow is the character budget for the formatted context block.
const DefaultWindow = 2000

const (
	truncatedMarker = "\n[...] (Additional context truncated to fit window)\n"
	chunkSeparator  = "\n---\n"
	footer          = "\n=== END CONTEXT ===\n"
)

// ChunkRetriever returns ranked context chunks for a query.
type ChunkRetriever interface {
	Retrieve(ctx context.Context, query string) ([]retrieval.ContextChunk, error)
}

// Result is the assembled retrieval context for one query.
type Result struct {
	Chunks     []retrieval.ContextChunk `json:"chunks"`
	Context    string                   `json:"context"`
	Confidence float32                  `json:"confidence"`
	Sources    []string                 `json:"sources"`
}

// Builder turns retrieved chunks into a bounded context block and enriched
// prompts for the translation model.
type Builder struct {
	retriever ChunkRetriever
	window    int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBuilder creates a Builder. If window <= 0, DefaultWindow is used.
func NewBuilder(r ChunkRetriever, window int) *Builder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Builder{retriever: r, window: window, logger: slog.Default()}
}

// SetMetrics attaches Prometheus collectors.
func (b *Builder) SetMetrics(m *metrics.Metrics) { b.metrics = m }

// SetLogger replaces the default logger.
func (b *Builder) SetLogger(l *slog.Logger) { b.logger = l }

// Window returns the character budget.
func (b *Builder) Window() int { return b.window }

// Retrieve fetches chunks for query and assembles the context block,
// confidence and source list.
func (b *Builder) Retrieve(ctx context.Context, query string) (Result, error) {
	start := time.Now()
	chunks, err := b.retriever.Retrieve(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("retrieving context: %w", err)
	}
	b.metrics.ObserveRetrieval(start)

	res := Result{
		Chunks:     chunks,
		Context:    FormatContext(query, chunks, b.window),
		Confidence: Confidence(query, chunks),
		Sources:    uniqueSources(chunks),
	}
	if res.Chunks == nil {
		res.Chunks = []retrieval.ContextChunk{}
	}
	b.logger.Debug("retrieved context", "query", query, "chunks", len(chunks), "confidence", res.Confidence)
	return res, nil
}

// EnhancePrompt prepends retrieved context to base and asks the model to
// ground its answer in it. With nothing retrieved, base is returned as is.
func (b *Builder) EnhancePrompt(ctx context.Context, base, query string) (string, error) {
	res, err := b.Retrieve(ctx, query)
	if err != nil {
		return "", err
	}
	if len(res.Chunks) == 0 {
		b.logger.Info("no relevant context found, using original prompt", "query", query)
		return base, nil
	}

	b.logger.Info("enhanced prompt", "sources", len(res.Sources), "confidence", res.Confidence)
	return res.Context +
		"\n\nBased on the above documentation context, please " + base +
		"\n\nEnsure your response is accurate and references the provided documentation when relevant.", nil
}

// FormatContext renders chunks as a numbered block. The window bounds the
// total size of the chunk entries; the first entry that would overflow it is
// replaced by a truncation marker. No chunks yields "".
func FormatContext(query string, chunks []retrieval.ContextChunk, window int) string {
	if len(chunks) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n=== RELEVANT CONTEXT FOR: %s ===\n", query)

	used := 0
	for i, ch := range chunks {
		entry := fmt.Sprintf("\n[%d] Source: %s\n%s", i+1, SourceName(ch.Source), ch.Content)
		if used+len(entry) > window {
			sb.WriteString(truncatedMarker)
			break
		}
		if i > 0 {
			sb.WriteString(chunkSeparator)
		}
		sb.WriteString(entry)
		used += len(entry)
	}

	sb.WriteString(footer)
	return sb.String()
}

// SourceName shortens a source for display: host and path for URLs, the
// last path segment for everything else.
func SourceName(source string) string {
	if strings.HasPrefix(source, "http") {
		if u, err := url.Parse(source); err == nil && u.Host != "" {
			return u.Host + u.Path
		}
	}
	if i := strings.LastIndex(source, "/"); i >= 0 {
		return source[i+1:]
	}
	return source
}

// Confidence averages, over chunks, the fraction of query words that appear
// as whole words in the chunk, weighted by source priority / 10. The result
// is clamped to [0,1].
func Confidence(query string, chunks []retrieval.ContextChunk) float32 {
	words := strings.Fields(strings.ToLower(query))
	if len(chunks) == 0 || len(words) == 0 {
		return 0
	}

	var total float32
	for _, ch := range chunks {
		content := strings.Fields(strings.ToLower(ch.Content))
		overlap := 0
		for _, w := range words {
			if slices.Contains(content, w) {
				overlap++
			}
		}
		priority := ch.Priority
		if priority == 0 {
			priority = retrieval.SourcePriority(ch.Source)
		}
		total += float32(overlap) / float32(len(words)) * float32(priority) / 10
	}

	return min(max(total/float32(len(chunks)), 0), 1)
}

func uniqueSources(chunks []retrieval.ContextChunk) []string {
	sources := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		if !slices.Contains(sources, ch.Source) {
			sources = append(sources, ch.Source)
		}
	}
	return sources
}
