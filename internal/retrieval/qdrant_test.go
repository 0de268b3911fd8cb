package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
)

// fakeQdrant is an in-memory stand-in for the subset of the Qdrant REST API
// used by QdrantStore.
type fakeQdrant struct {
	mu      sync.Mutex
	exists  bool
	dim     int
	points  map[string]qdrantPoint
	apiKeys []string
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	t.Helper()
	f := &fakeQdrant{points: make(map[string]qdrantPoint)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))
		if !f.exists {
			http.Error(w, `{"status":{"error":"Not found"}}`, http.StatusNotFound)
			return
		}
		writeResult(w, map[string]any{"status": "green"})
	})
	mux.HandleFunc("PUT /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Vectors struct {
				Size int `json:"size"`
			} `json:"vectors"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.exists = true
		f.dim = req.Vectors.Size
		f.mu.Unlock()
		writeResult(w, true)
	})
	mux.HandleFunc("DELETE /collections/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.exists = false
		f.points = make(map[string]qdrantPoint)
		f.mu.Unlock()
		writeResult(w, true)
	})
	mux.HandleFunc("PUT /collections/{name}/points", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Points []qdrantPoint `json:"points"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.exists {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		for _, p := range req.Points {
			f.points[p.ID] = p
		}
		writeResult(w, map[string]string{"status": "completed"})
	})
	mux.HandleFunc("POST /collections/{name}/points", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.exists {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		out := []qdrantPoint{}
		for _, id := range req.IDs {
			if p, ok := f.points[id]; ok {
				out = append(out, p)
			}
		}
		writeResult(w, out)
	})
	mux.HandleFunc("POST /collections/{name}/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Points []string `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		for _, id := range req.Points {
			delete(f.points, id)
		}
		f.mu.Unlock()
		writeResult(w, map[string]string{"status": "completed"})
	})
	mux.HandleFunc("POST /collections/{name}/points/count", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.exists {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		writeResult(w, map[string]int{"count": len(f.points)})
	})
	mux.HandleFunc("POST /collections/{name}/points/scroll", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Limit  int    `json:"limit"`
			Offset string `json:"offset"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.exists {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		ids := make([]string, 0, len(f.points))
		for id := range f.points {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		start := sort.SearchStrings(ids, req.Offset)
		end := min(start+req.Limit, len(ids))
		page := make([]qdrantPoint, 0, end-start)
		for _, id := range ids[start:end] {
			page = append(page, f.points[id])
		}
		var next any
		if end < len(ids) {
			next = ids[end]
		}
		writeResult(w, map[string]any{"points": page, "next_page_offset": next})
	})
	mux.HandleFunc("POST /collections/{name}/points/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Vector         []float32 `json:"vector"`
			Limit          int       `json:"limit"`
			ScoreThreshold float32   `json:"score_threshold"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		var hits []qdrantPoint
		for _, p := range f.points {
			p.Score = Cosine(req.Vector, p.Vector)
			if p.Score >= req.ScoreThreshold {
				hits = append(hits, p)
			}
		}
		// Map iteration order is random, like Qdrant's order among equal scores.
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > req.Limit {
			hits = hits[:req.Limit]
		}
		writeResult(w, hits)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
}

func newTestQdrantStore(t *testing.T, dim int) (*QdrantStore, *fakeQdrant) {
	f, srv := newFakeQdrant(t)
	s := NewQdrantStore(QdrantConfig{URL: srv.URL + "/", APIKey: "secret", Collection: "cuc", Dimension: dim})
	t.Cleanup(func() { s.Close() })
	return s, f
}

func TestQdrantStore_CreatesCollectionOnFirstWrite(t *testing.T) {
	ctx := context.Background()
	s, f := newTestQdrantStore(t, 4)

	if n, err := s.Count(ctx); err != nil || n != 0 {
		t.Fatalf("Count before write = %d, %v; want 0, nil", n, err)
	}
	if err := s.Put(ctx, Document{ID: "a", Content: "alpha", Source: "s", Embedding: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !f.exists || f.dim != 4 {
		t.Errorf("collection exists=%v dim=%d, want true/4", f.exists, f.dim)
	}
	if len(f.apiKeys) == 0 || f.apiKeys[0] != "secret" {
		t.Errorf("api-key header = %v", f.apiKeys)
	}
}

func TestQdrantStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestQdrantStore(t, 4)

	doc := Document{ID: "doc1#0", Content: "hello", Source: "doc1", Metadata: map[string]string{"chunk_index": "0"}, Embedding: []float32{0, 1, 0, 0}}
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "doc1#0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != doc.ID || got.Content != "hello" || got.Metadata["chunk_index"] != "0" || len(got.Embedding) != 4 {
		t.Errorf("Get = %+v", got)
	}

	if err := s.Delete(ctx, "doc1#0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "doc1#0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "doc1#0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestQdrantStore_AllKeepsInsertionOrderAcrossOverwrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestQdrantStore(t, 2)

	for _, id := range []string{"c", "a", "b"} {
		if err := s.Put(ctx, Document{ID: id, Content: "v1", Source: "s", Embedding: []float32{1, 0}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put(ctx, Document{ID: "c", Content: "v2", Source: "s", Embedding: []float32{1, 0}}); err != nil {
		t.Fatal(err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if got := ids(all); len(got) != 3 || got[0] != "c" || got[1] != "a" || got[2] != "b" {
		t.Fatalf("order = %v, want [c a b]", got)
	}
	if all[0].Content != "v2" {
		t.Errorf("overwritten content = %q, want v2", all[0].Content)
	}
}

func TestQdrantStore_AllPaginates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestQdrantStore(t, 2)

	var docs []Document
	for i := 0; i < scrollPageSize+10; i++ {
		docs = append(docs, Document{ID: string(rune('A'+i%26)) + string(rune('a'+i/26)), Content: "x", Source: "s", Embedding: []float32{1, 0}})
	}
	if err := s.PutBatch(ctx, docs); err != nil {
		t.Fatal(err)
	}
	all, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != len(docs) {
		t.Errorf("All returned %d docs, want %d", len(all), len(docs))
	}
	for i := range docs {
		if all[i].ID != docs[i].ID {
			t.Fatalf("all[%d] = %s, want %s", i, all[i].ID, docs[i].ID)
		}
	}
}

func TestQdrantStore_SearchVector(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestQdrantStore(t, 3)

	if err := s.PutBatch(ctx, []Document{
		{ID: "tie1", Content: "t1", Source: "s", Embedding: []float32{0, 1, 0}},
		{ID: "best", Content: "b", Source: "s", Embedding: []float32{1, 0, 0}},
		{ID: "tie2", Content: "t2", Source: "s", Embedding: []float32{0, 1, 0}},
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.SearchVector(ctx, []float32{1, 1, 0}, 0, 0.1)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// All three score 1/sqrt(2); ties fall back to insertion order.
	if got := scoredIDs(results); got[0] != "tie1" || got[1] != "best" || got[2] != "tie2" {
		t.Errorf("order = %v, want [tie1 best tie2]", got)
	}

	results, err = s.SearchVector(ctx, []float32{1, 0, 0}, 1, 0.5)
	if err != nil {
		t.Fatalf("SearchVector: %v", err)
	}
	if len(results) != 1 || results[0].ID != "best" {
		t.Errorf("got %v, want [best]", scoredIDs(results))
	}

	if results, _ := s.SearchVector(ctx, []float32{0, 0, 0}, 1, 0); len(results) != 0 {
		t.Errorf("zero vector returned %d results", len(results))
	}
	if results, _ := s.SearchVector(ctx, []float32{1, 0}, 1, 0); len(results) != 0 {
		t.Errorf("mismatched vector returned %d results", len(results))
	}
}

func TestQdrantStore_Clear(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestQdrantStore(t, 2)

	if err := s.Put(ctx, Document{ID: "a", Content: "x", Source: "s", Embedding: []float32{1, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
	all, err := s.All(ctx)
	if err != nil || len(all) != 0 {
		t.Errorf("All after clear = %v, %v", all, err)
	}

	// The collection is recreated on the next write.
	if err := s.Put(ctx, Document{ID: "b", Content: "y", Source: "s", Embedding: []float32{0, 1}}); err != nil {
		t.Fatalf("Put after clear: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestQdrantStore_ServerErrorIsStoreError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewQdrantStore(QdrantConfig{URL: srv.URL, Collection: "cuc", Dimension: 2})
	err := s.Put(context.Background(), Document{ID: "a", Content: "x", Embedding: []float32{1, 0}})
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StoreError", err)
	}
}
