package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time checks that QdrantStore implements Store and VectorSearcher.
var (
	_ Store          = (*QdrantStore)(nil)
	_ VectorSearcher = (*QdrantStore)(nil)
)

// pointNamespace derives Qdrant point UUIDs from document IDs, which may be
// arbitrary strings.
var pointNamespace = uuid.MustParse("6f1c8e2a-4b0d-5c7e-9a31-2d8f4e6b1c70")

const scrollPageSize = 256

// QdrantConfig configures the remote backend.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// QdrantStore is a minimal REST client to Qdrant. It assumes cosine distance
// and creates the collection on first write.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	dim        int
	client     *http.Client

	mu      sync.Mutex
	ensured bool
}

// NewQdrantStore returns a client for the configured collection.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dim:        dim,
		client:     &http.Client{Timeout: timeout},
	}
}

type qdrantPayload struct {
	DocID     string            `json:"doc_id"`
	Content   string            `json:"content"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Seq       int64             `json:"seq"`
	CreatedAt time.Time         `json:"created_at"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Score   float32       `json:"score,omitempty"`
	Payload qdrantPayload `json:"payload"`
	Vector  []float32     `json:"vector,omitempty"`
}

func (p qdrantPoint) document() Document {
	return Document{
		ID:        p.Payload.DocID,
		Content:   p.Payload.Content,
		Source:    p.Payload.Source,
		Metadata:  p.Payload.Metadata,
		Embedding: p.Vector,
		CreatedAt: p.Payload.CreatedAt,
	}
}

func pointID(docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID)).String()
}

// errCollectionMissing marks a 404 from a collection-scoped endpoint.
var errCollectionMissing = errors.New("collection does not exist")

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	status, err := s.doJSON(ctx, http.MethodGet, "/collections/"+s.collection, nil, nil)
	if err != nil && status != http.StatusNotFound {
		return err
	}
	if status == http.StatusNotFound {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     s.dim,
				"distance": "Cosine",
			},
		}
		if _, err := s.doJSON(ctx, http.MethodPut, "/collections/"+s.collection, body, nil); err != nil {
			return fmt.Errorf("creating collection %s: %w", s.collection, err)
		}
	}
	s.ensured = true
	return nil
}

// Put inserts or overwrites a single document.
func (s *QdrantStore) Put(ctx context.Context, doc Document) error {
	return s.PutBatch(ctx, []Document{doc})
}

// PutBatch upserts documents. Existing points keep their insertion sequence.
func (s *QdrantStore) PutBatch(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return storeErr("put", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return storeErr("put", errors.New("document id is required"))
		}
		ids = append(ids, pointID(d.ID))
	}
	existing, err := s.retrieve(ctx, ids, false)
	if err != nil && !errors.Is(err, errCollectionMissing) {
		return storeErr("put", err)
	}
	seqs := make(map[string]int64, len(existing))
	for _, p := range existing {
		seqs[p.Payload.DocID] = p.Payload.Seq
	}

	base := time.Now().UnixNano()
	points := make([]map[string]any, len(docs))
	for i, d := range docs {
		seq, ok := seqs[d.ID]
		if !ok {
			seq = base + int64(i)
			seqs[d.ID] = seq
		}
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		vector := d.Embedding
		if len(vector) != s.dim {
			vector = make([]float32, s.dim)
		}
		points[i] = map[string]any{
			"id":     ids[i],
			"vector": vector,
			"payload": qdrantPayload{
				DocID:     d.ID,
				Content:   d.Content,
				Source:    d.Source,
				Metadata:  d.Metadata,
				Seq:       seq,
				CreatedAt: createdAt,
			},
		}
	}

	body := map[string]any{"points": points}
	if _, err := s.doJSON(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), body, nil); err != nil {
		return storeErr("put", err)
	}
	return nil
}

// Get returns the document with the given ID, or ErrNotFound.
func (s *QdrantStore) Get(ctx context.Context, id string) (Document, error) {
	points, err := s.retrieve(ctx, []string{pointID(id)}, true)
	if errors.Is(err, errCollectionMissing) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, storeErr("get", err)
	}
	if len(points) == 0 {
		return Document{}, ErrNotFound
	}
	return points[0].document(), nil
}

// Delete removes a document by ID, or returns ErrNotFound.
func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	body := map[string]any{"points": []string{pointID(id)}}
	if _, err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), body, nil); err != nil {
		return storeErr("delete", err)
	}
	return nil
}

// Clear drops the collection; the next write recreates it.
func (s *QdrantStore) Clear(ctx context.Context) error {
	status, err := s.doJSON(ctx, http.MethodDelete, "/collections/"+s.collection, nil, nil)
	if err != nil && status != http.StatusNotFound {
		return storeErr("clear", err)
	}
	s.mu.Lock()
	s.ensured = false
	s.mu.Unlock()
	return nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	status, err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/count"), map[string]any{"exact": true}, &resp)
	if status == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("count", err)
	}
	return resp.Result.Count, nil
}

// All pages through the collection and returns documents in insertion order.
func (s *QdrantStore) All(ctx context.Context) ([]Document, error) {
	var points []qdrantPoint
	var offset any
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  true,
		}
		if offset != nil {
			req["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []qdrantPoint `json:"points"`
				NextPageOffset any           `json:"next_page_offset"`
			} `json:"result"`
		}
		status, err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/scroll"), req, &resp)
		if status == http.StatusNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, storeErr("all", err)
		}
		points = append(points, resp.Result.Points...)
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			break
		}
		offset = resp.Result.NextPageOffset
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].Payload.Seq < points[j].Payload.Seq })
	docs := make([]Document, len(points))
	for i, p := range points {
		docs[i] = p.document()
	}
	return docs, nil
}

// SearchVector delegates ranking to Qdrant. Equal scores are re-ordered by
// insertion sequence.
func (s *QdrantStore) SearchVector(ctx context.Context, vector []float32, topK int, threshold float32) ([]ScoredDocument, error) {
	if norm(vector) == 0 || len(vector) != s.dim {
		return nil, nil
	}
	limit := topK
	if limit <= 0 {
		n, err := s.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		limit = n
	}
	req := map[string]any{
		"vector":          vector,
		"limit":           limit,
		"with_payload":    true,
		"with_vector":     true,
		"score_threshold": threshold,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	status, err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("search", err)
	}

	sort.SliceStable(resp.Result, func(i, j int) bool {
		a, b := resp.Result[i], resp.Result[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Payload.Seq < b.Payload.Seq
	})
	results := make([]ScoredDocument, len(resp.Result))
	for i, p := range resp.Result {
		results[i] = ScoredDocument{Document: p.document(), Score: p.Score}
	}
	return results, nil
}

// Close releases idle connections.
func (s *QdrantStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *QdrantStore) retrieve(ctx context.Context, ids []string, withVector bool) ([]qdrantPoint, error) {
	req := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  withVector,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	status, err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points"), req, &resp)
	if status == http.StatusNotFound {
		return nil, errCollectionMissing
	}
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return "/collections/" + s.collection + suffix
}

// doJSON sends body as JSON and decodes the response into out when non-nil.
// The HTTP status is returned alongside any error so callers can treat 404
// as an empty collection.
func (s *QdrantStore) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding qdrant response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
