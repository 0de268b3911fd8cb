package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/kalambet/cuc/internal/composer"
	"github.com/kalambet/cuc/internal/ingest"
	"github.com/kalambet/cuc/internal/retrieval"
)

// ChunkResponse is one retrieved document as served over HTTP and MCP.
type ChunkResponse struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float32           `json:"score"`
	Priority int               `json:"priority,omitempty"`
}

// RetrieveResponse is the body of POST /retrieve.
type RetrieveResponse struct {
	Chunks     []ChunkResponse `json:"chunks"`
	Context    string          `json:"context"`
	Confidence float32         `json:"confidence"`
	Sources    []string        `json:"sources"`
}

func newRetrieveResponse(res composer.Result) RetrieveResponse {
	chunks := make([]ChunkResponse, len(res.Chunks))
	for i, c := range res.Chunks {
		chunks[i] = ChunkResponse{
			ID:       c.ID,
			Content:  c.Content,
			Source:   c.Source,
			Metadata: c.Metadata,
			Score:    c.Score,
			Priority: c.Priority,
		}
	}
	sources := res.Sources
	if sources == nil {
		sources = []string{}
	}
	return RetrieveResponse{Chunks: chunks, Context: res.Context, Confidence: res.Confidence, Sources: sources}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 5, 50)
		threshold, err := parseThreshold(r, "threshold", deps.SearchThreshold)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		mode := deps.SearchMode
		if m := r.URL.Query().Get("mode"); m != "" {
			if mode, err = retrieval.ParseMode(m); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}

		scored, err := deps.Searcher.Search(r.Context(), retrieval.Query{Text: q, Mode: mode}, limit, threshold)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		deps.Metrics.ObserveSearch(string(mode))

		results := make([]ChunkResponse, len(scored))
		for i, d := range scored {
			results[i] = ChunkResponse{ID: d.ID, Content: d.Content, Source: d.Source, Metadata: d.Metadata, Score: d.Score}
		}
		writeJSON(w, http.StatusOK, map[string]any{"query": q, "mode": mode, "results": results})
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
}

func handleRetrieve(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retrieveRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		res, err := deps.Context.Retrieve(r.Context(), req.Query)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "retrieval failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newRetrieveResponse(res))
	}
}

type enhanceRequest struct {
	Prompt string `json:"prompt"`
	Query  string `json:"query"`
}

func handleEnhance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enhanceRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		query := req.Query
		if strings.TrimSpace(query) == "" {
			query = req.Prompt
		}
		enhanced, err := deps.Context.EnhancePrompt(r.Context(), req.Prompt, query)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enhancement failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"prompt": enhanced})
	}
}

// IndexRequest is the body of POST /index. Exactly one of Text or URL is
// used; Text wins when both are set.
type IndexRequest struct {
	Text     string            `json:"text"`
	URL      string            `json:"url"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata"`
	// Async queues a URL for the background worker instead of fetching it
	// during the request.
	Async bool `json:"async"`
}

func handleIndex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IndexRequest
		if !decodeBody(w, r, maxIndexBodySize, &req) {
			return
		}

		switch {
		case req.Text != "":
			if req.Source == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "source is required")
				return
			}
			n, err := deps.Indexer.IndexText(r.Context(), req.Text, req.Source, req.Metadata)
			if err != nil {
				writeIndexError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"source": req.Source, "chunks": n})

		case req.URL != "" && req.Async:
			if deps.Jobs == nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "background indexing is not available")
				return
			}
			id, err := ingest.EnqueueIndexURL(r.Context(), deps.Jobs, req.URL, req.Source)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})

		case req.URL != "":
			name := req.Source
			if name == "" {
				name = req.URL
			}
			n, err := deps.Indexer.IndexSource(r.Context(), ingest.ReferenceSource{Name: name, URL: req.URL})
			if err != nil {
				writeIndexError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"source": req.URL, "chunks": n})

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of text or url is required")
		}
	}
}

func writeIndexError(w http.ResponseWriter, err error) {
	var storeErr *retrieval.StoreError
	if errors.As(err, &storeErr) {
		httpError(w, http.StatusInternalServerError, "storage_error", "%v", err)
		return
	}
	var ixErr *ingest.IndexError
	if errors.As(err, &ixErr) {
		httpError(w, http.StatusUnprocessableEntity, "index_error", "%v", err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
}

func handleClearDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Clear(r.Context()); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to clear documents: %v", err)
			return
		}
		deps.Logger.Info("document store cleared")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func handleCountDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.Count(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to count documents: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": n})
	}
}

func handleListSources(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources := []ingest.ReferenceSource{}
		if deps.Sources != nil {
			sources = append(sources, deps.Sources.List()...)
		}
		writeJSON(w, http.StatusOK, sources)
	}
}
