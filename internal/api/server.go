package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/cuc/internal/composer"
	"github.com/kalambet/cuc/internal/ingest"
	"github.com/kalambet/cuc/internal/learning"
	"github.com/kalambet/cuc/internal/metrics"
	"github.com/kalambet/cuc/internal/retrieval"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxIndexBodySize = 10 << 20  // 10MB

// DocumentSearcher runs a similarity search over the document store.
type DocumentSearcher interface {
	Search(ctx context.Context, q retrieval.Query, topK int, threshold float32) ([]retrieval.ScoredDocument, error)
}

// ContextBuilder assembles retrieval context and enhanced prompts.
type ContextBuilder interface {
	Retrieve(ctx context.Context, query string) (composer.Result, error)
	EnhancePrompt(ctx context.Context, base, query string) (string, error)
}

// DocumentIndexer writes text and pages into the document store.
type DocumentIndexer interface {
	IndexText(ctx context.Context, text, source string, metadata map[string]string) (int, error)
	IndexSource(ctx context.Context, src ingest.ReferenceSource) (int, error)
}

// JobCounter reports queue depth by status. storage.Store implements it.
type JobCounter interface {
	JobCounts(ctx context.Context) (map[string]int, error)
}

// AppDeps holds everything the HTTP API serves from.
type AppDeps struct {
	// Token enables bearer auth on every route except /health and /metrics.
	Token string

	Store    retrieval.Store
	Searcher DocumentSearcher
	Context  ContextBuilder
	Indexer  DocumentIndexer
	Learning *learning.Engine

	Sources *ingest.SourceRegistry // optional
	Jobs    ingest.JobStore        // optional; async indexing is refused when nil

	// Search defaults for /search when the request leaves them out.
	SearchMode      retrieval.Mode
	SearchThreshold float32

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // optional; /metrics is not mounted when nil
	Logger   *slog.Logger
}

// NewAppHandler returns the cuc HTTP API.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SearchMode == "" {
		deps.SearchMode = retrieval.ModeLexical
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/search", handleSearch(deps))
		r.Post("/retrieve", handleRetrieve(deps))
		r.Post("/enhance", handleEnhance(deps))

		r.Post("/index", handleIndex(deps))
		r.Delete("/documents", handleClearDocuments(deps))
		r.Get("/documents/count", handleCountDocuments(deps))
		r.Get("/sources", handleListSources(deps))

		r.Post("/corrections", handleAddCorrection(deps))
		r.Get("/corrections/learned", handleLearnedCommand(deps))
		r.Post("/suggestions", handleSuggestions(deps))
		r.Post("/classify", handleClassify(deps))
		r.Get("/similar", handleSimilar(deps))
		r.Post("/feedback", handleFeedback(deps))
		r.Post("/retry", handleRetry(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Documents int            `json:"documents"`
	Learning  learning.Stats `json:"learning"`
	Jobs      map[string]int `json:"jobs,omitempty"`
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.Count(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count documents: %v", err)
			return
		}
		resp := StatsResponse{Documents: n, Learning: deps.Learning.Stats()}
		if jc, ok := deps.Jobs.(JobCounter); ok {
			counts, err := jc.JobCounts(r.Context())
			if err != nil {
				deps.Logger.Warn("job counts unavailable", "error", err)
			}
			resp.Jobs = counts
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeBody reads a JSON body of at most limit bytes into v, writing the
// 400 response itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// parseThreshold reads a [0,1] float query parameter.
func parseThreshold(r *http.Request, key string, defaultVal float32) (float32, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("%s must be a number within [0,1]", key)
	}
	return float32(v), nil
}
