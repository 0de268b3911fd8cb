package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/cuc/internal/metrics"
	"github.com/kalambet/cuc/internal/retrieval"
)

// chunkNamespace derives stable chunk IDs from source and position, so
// re-indexing the same source overwrites instead of duplicating.
var chunkNamespace = uuid.MustParse("b3c1f4a2-7d9e-5e21-8c4b-0a6f2d1e9c35")

// ChunkID returns the document ID of the index-th chunk of source.
func ChunkID(source string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(source+"#"+strconv.Itoa(index))).String()
}

// IndexError reports a source that could not be indexed: it was malformed,
// could not be fetched, or its chunks could not be stored.
type IndexError struct {
	Source string
	Err    error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("indexing %s: %v", e.Source, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// SourceResult is the outcome of indexing one URL in a batch.
type SourceResult struct {
	URL    string `json:"url"`
	Chunks int    `json:"chunks"`
	Err    error  `json:"-"`
}

// Indexer chunks, embeds and stores text from strings, files and web pages.
type Indexer struct {
	store    retrieval.Store
	embedder retrieval.Embedder
	fetcher  *Fetcher
	chunker  Chunker
	sources  *SourceRegistry
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// NewIndexer creates an Indexer. fetcher may be nil when URLs are never indexed.
func NewIndexer(store retrieval.Store, embedder retrieval.Embedder, fetcher *Fetcher) *Indexer {
	return &Indexer{
		store:    store,
		embedder: embedder,
		fetcher:  fetcher,
		chunker:  DefaultChunker(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default(),
	}
}

// SetChunker overrides the chunking limits.
func (ix *Indexer) SetChunker(c Chunker) { ix.chunker = c }

// SetSources attaches a registry that IndexSource keeps up to date.
func (ix *Indexer) SetSources(r *SourceRegistry) { ix.sources = r }

// SetMetrics attaches Prometheus collectors.
func (ix *Indexer) SetMetrics(m *metrics.Metrics) { ix.metrics = m }

// SetLogger replaces the default logger.
func (ix *Indexer) SetLogger(l *slog.Logger) { ix.logger = l }

// Sources returns the attached registry, or nil.
func (ix *Indexer) Sources() *SourceRegistry { return ix.sources }

// IndexText chunks text and stores every chunk under source. It returns the
// number of chunks written; text that yields no chunks is not an error.
func (ix *Indexer) IndexText(ctx context.Context, text, source string, metadata map[string]string) (int, error) {
	if source == "" {
		return 0, ix.fail(&IndexError{Source: "(unnamed)", Err: errors.New("source is required")})
	}
	pieces := ix.chunker.Split(text)
	if len(pieces) == 0 {
		return 0, nil
	}

	docs := make([]retrieval.Document, len(pieces))
	for i, p := range pieces {
		meta := maps.Clone(metadata)
		if meta == nil {
			meta = make(map[string]string, 2)
		}
		meta["chunk_index"] = strconv.Itoa(i)
		meta["total_chunks"] = strconv.Itoa(len(pieces))
		docs[i] = retrieval.Document{ID: ChunkID(source, i), Content: p, Source: source, Metadata: meta}
	}
	if err := ix.persist(ctx, source, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// AddKnowledge stores a custom passage tagged with category.
func (ix *Indexer) AddKnowledge(ctx context.Context, content, source, category string) (int, error) {
	meta := map[string]string{"type": "custom"}
	if category != "" {
		meta["category"] = category
	}
	return ix.IndexText(ctx, content, source, meta)
}

// IndexFile reads path and indexes it according to its extension: Markdown,
// PDF and HTML are converted to text first, anything else is read as-is.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, ix.fail(&IndexError{Source: path, Err: err})
	}

	var text, format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		format = "markdown"
		text, err = MarkdownText(data)
	case ".pdf":
		format = "pdf"
		text, err = PDFText(data)
	case ".html", ".htm":
		format = "html"
		text, err = ExtractText(bytes.NewReader(data), MinBlockLength)
	default:
		format = "text"
		text = string(data)
	}
	if err != nil {
		return 0, ix.fail(&IndexError{Source: path, Err: err})
	}

	return ix.IndexText(ctx, text, path, map[string]string{"type": "file", "format": format})
}

// IndexURL fetches a page and indexes each extracted block separately, so
// chunks carry the element they came from. Chunk indexes run across the
// whole page. Plain-text responses are indexed as a single text.
func (ix *Indexer) IndexURL(ctx context.Context, rawURL string) (int, error) {
	if ix.fetcher == nil {
		return 0, ix.fail(&IndexError{Source: rawURL, Err: errors.New("no fetcher configured")})
	}
	page, err := ix.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return 0, ix.fail(&IndexError{Source: rawURL, Err: err})
	}

	if mediaType, _, _ := mime.ParseMediaType(page.ContentType); strings.HasPrefix(mediaType, "text/plain") {
		return ix.IndexText(ctx, string(page.Body), rawURL, map[string]string{"type": "webpage", "url": rawURL})
	}

	blocks, err := ExtractBlocks(bytes.NewReader(page.Body), MinBlockLength)
	if err != nil {
		return 0, ix.fail(&IndexError{Source: rawURL, Err: err})
	}

	type piece struct{ text, element string }
	var pieces []piece
	for _, b := range blocks {
		for _, c := range ix.chunker.Split(b.Text) {
			pieces = append(pieces, piece{c, b.Element})
		}
	}
	if len(pieces) == 0 {
		return 0, ix.fail(&IndexError{Source: rawURL, Err: errors.New("no indexable content")})
	}

	docs := make([]retrieval.Document, len(pieces))
	for i, p := range pieces {
		docs[i] = retrieval.Document{
			ID:      ChunkID(rawURL, i),
			Content: p.text,
			Source:  rawURL,
			Metadata: map[string]string{
				"type":         "webpage",
				"url":          rawURL,
				"element_type": p.element,
				"chunk_index":  strconv.Itoa(i),
				"total_chunks": strconv.Itoa(len(pieces)),
			},
		}
	}
	if err := ix.persist(ctx, rawURL, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// IndexSource indexes src.URL and records the run in the source registry.
func (ix *Indexer) IndexSource(ctx context.Context, src ReferenceSource) (int, error) {
	n, err := ix.IndexURL(ctx, src.URL)
	if err != nil {
		return 0, err
	}
	if ix.sources != nil {
		if err := ix.sources.MarkIndexed(src.URL, src.Name, n, ix.now()); err != nil {
			ix.logger.Warn("recording indexed source failed", "url", src.URL, "error", err)
		}
	}
	return n, nil
}

// IndexURLs indexes every URL and never stops early: each failure is logged
// and reported in its SourceResult. Results are in input order.
func (ix *Indexer) IndexURLs(ctx context.Context, urls []string) []SourceResult {
	srcs := make([]ReferenceSource, len(urls))
	for i, u := range urls {
		srcs[i] = ReferenceSource{Name: u, URL: u}
	}
	return ix.IndexSources(ctx, srcs)
}

// IndexSources is IndexURLs for registry entries.
func (ix *Indexer) IndexSources(ctx context.Context, srcs []ReferenceSource) []SourceResult {
	results := make([]SourceResult, len(srcs))
	var g errgroup.Group
	g.SetLimit(4)
	for i, src := range srcs {
		g.Go(func() error {
			n, err := ix.IndexSource(ctx, src)
			results[i] = SourceResult{URL: src.URL, Chunks: n, Err: err}
			if err != nil {
				ix.logger.Warn("indexing source failed", "url", src.URL, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return results
}

// Seed stores the built-in CLI knowledge passages.
func (ix *Indexer) Seed(ctx context.Context) (int, error) {
	total := 0
	for _, k := range seedKnowledge {
		n, err := ix.IndexText(ctx, k.content, k.source, map[string]string{"category": k.category, "type": "documentation"})
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// persist embeds docs and writes them in one batch.
func (ix *Indexer) persist(ctx context.Context, source string, docs []retrieval.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vecs, err := retrieval.EmbedBatch(ctx, ix.embedder, texts)
	if err != nil {
		return ix.fail(&IndexError{Source: source, Err: err})
	}
	now := ix.now()
	for i := range docs {
		docs[i].Embedding = vecs[i]
		docs[i].CreatedAt = now
	}
	if err := ix.store.PutBatch(ctx, docs); err != nil {
		return ix.fail(&IndexError{Source: source, Err: err})
	}
	ix.metrics.ObserveIndexed(len(docs))
	ix.logger.Debug("indexed", "source", source, "chunks", len(docs))
	return nil
}

func (ix *Indexer) fail(err *IndexError) error {
	ix.metrics.ObserveIndexError()
	return err
}
