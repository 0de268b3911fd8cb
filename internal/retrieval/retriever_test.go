package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// mockStore implements Store for testing failure paths.
type mockStore struct {
	*FileStore
	allFn func(ctx context.Context) ([]Document, error)
}

func (m *mockStore) All(ctx context.Context) ([]Document, error) {
	if m.allFn != nil {
		return m.allFn(ctx)
	}
	return m.FileStore.All(ctx)
}

func TestExpandQuery(t *testing.T) {
	tests := []struct {
		query    string
		contains []string
		excludes []string
	}{
		{"ic login", []string{"CLI command line interface", "authentication credentials API key"}, nil},
		{"use ibmcloud target", []string{"CLI command line interface"}, nil},
		{"public endpoints", nil, []string{"CLI command line interface"}},
		{"deploy my app", []string{"deployment application service"}, nil},
		{"create a serverless action", []string{"OpenWhisk Cloud Functions"}, nil},
		{"list k8s clusters", []string{"container cluster IKS"}, nil},
		{"list buckets", nil, []string{"CLI", "OpenWhisk", "IKS"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := ExpandQuery(tt.query)
			if !strings.HasPrefix(got, tt.query) {
				t.Errorf("expanded query %q does not start with the original", got)
			}
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("ExpandQuery(%q) = %q, missing %q", tt.query, got, want)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(got, bad) {
					t.Errorf("ExpandQuery(%q) = %q, should not contain %q", tt.query, got, bad)
				}
			}
		})
	}
}

func TestSourcePriority(t *testing.T) {
	tests := []struct {
		source string
		want   int
	}{
		{"https://cloud.ibm.com/docs/cli?topic=cli-getting-started", 10},
		{"https://www.ibm.com/products/watsonx-ai", 8},
		{"https://cloud.ibm.com/docs/containers", 7},
		{"https://carbondesignsystem.com/components/button", 5},
		{"doc1", DefaultSourcePriority},
		{"", DefaultSourcePriority},
	}
	for _, tt := range tests {
		if got := SourcePriority(tt.source); got != tt.want {
			t.Errorf("SourcePriority(%q) = %d, want %d", tt.source, got, tt.want)
		}
	}
}

func TestRetriever_PriorityBreaksScoreTies(t *testing.T) {
	s := seedStore(t,
		Document{ID: "generic", Content: "target bucket guide", Source: "blog"},
		Document{ID: "official", Content: "target bucket reference", Source: "https://cloud.ibm.com/docs/cli"},
		Document{ID: "partial", Content: "target only", Source: "https://cloud.ibm.com/docs/cli"},
	)
	r := NewRetriever(NewSearcher(s, nil), RetrieverConfig{MaxChunks: 5, Threshold: 0.1, Mode: ModeLexical})

	chunks, err := r.Retrieve(context.Background(), "target bucket")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	order := []string{chunks[0].ID, chunks[1].ID, chunks[2].ID}
	want := []string{"official", "generic", "partial"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if chunks[0].Priority != 10 || chunks[1].Priority != DefaultSourcePriority {
		t.Errorf("priorities = %d, %d", chunks[0].Priority, chunks[1].Priority)
	}
}

func TestRetriever_MaxChunksAndThreshold(t *testing.T) {
	s := seedStore(t,
		Document{ID: "a", Content: "alpha beta", Source: "s"},
		Document{ID: "b", Content: "alpha beta", Source: "s"},
		Document{ID: "c", Content: "alpha", Source: "s"},
		Document{ID: "d", Content: "unrelated", Source: "s"},
	)
	r := NewRetriever(NewSearcher(s, nil), RetrieverConfig{MaxChunks: 2, Threshold: 0.5})

	chunks, err := r.Retrieve(context.Background(), "alpha beta")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 2 || chunks[0].ID != "a" || chunks[1].ID != "b" {
		t.Errorf("got %d chunks, want [a b]", len(chunks))
	}
}

func TestRetriever_Defaults(t *testing.T) {
	r := NewRetriever(NewSearcher(NewMemoryStore(0), nil), RetrieverConfig{})
	cfg := r.Config()
	if cfg.MaxChunks != 5 || cfg.Mode != ModeLexical {
		t.Errorf("config = %+v", cfg)
	}

	def := DefaultRetrieverConfig()
	if def.MaxChunks != 5 || def.Threshold != 0.1 || def.Mode != ModeLexical || !def.ExpandQuery {
		t.Errorf("DefaultRetrieverConfig = %+v", def)
	}
}

func TestRetriever_EmptyCorpus(t *testing.T) {
	r := NewRetriever(NewSearcher(NewMemoryStore(0), nil), DefaultRetrieverConfig())
	chunks, err := r.Retrieve(context.Background(), "how do I login")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks, want 0", len(chunks))
	}
}

func TestRetriever_StoreErrorPropagates(t *testing.T) {
	wantErr := &StoreError{Op: "all", Err: errors.New("disk gone")}
	store := &mockStore{
		FileStore: NewMemoryStore(0),
		allFn:     func(context.Context) ([]Document, error) { return nil, wantErr },
	}
	r := NewRetriever(NewSearcher(store, nil), DefaultRetrieverConfig())

	_, err := r.Retrieve(context.Background(), "anything")
	var se *StoreError
	if !errors.As(err, &se) {
		t.Errorf("err = %v, want *StoreError", err)
	}
}
