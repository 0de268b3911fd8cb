package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/cuc/internal/retrieval"
)

type mockRetriever struct {
	chunks []retrieval.ContextChunk
	err    error
	query  string
}

func (m *mockRetriever) Retrieve(_ context.Context, query string) ([]retrieval.ContextChunk, error) {
	m.query = query
	return m.chunks, m.err
}

func chunk(source, content string) retrieval.ContextChunk {
	return retrieval.ContextChunk{
		Document: retrieval.Document{Source: source, Content: content},
		Priority: retrieval.SourcePriority(source),
	}
}

func TestFormatContext_Empty(t *testing.T) {
	if got := FormatContext("q", nil, DefaultWindow); got != "" {
		t.Errorf("FormatContext(nil) = %q, want empty", got)
	}
}

func TestFormatContext_Layout(t *testing.T) {
	chunks := []retrieval.ContextChunk{
		chunk("https://cloud.ibm.com/docs/cli?topic=x", "Use ibmcloud login."),
		chunk("/home/me/notes/guide.md", "Target a region."),
	}
	got := FormatContext("how do I login", chunks, DefaultWindow)
	want := "\n=== RELEVANT CONTEXT FOR: how do I login ===\n" +
		"\n[1] Source: cloud.ibm.com/docs/cli\nUse ibmcloud login." +
		"\n---\n" +
		"\n[2] Source: guide.md\nTarget a region." +
		"\n=== END CONTEXT ===\n"
	if got != want {
		t.Errorf("FormatContext =\n%q\nwant\n%q", got, want)
	}
}

func TestFormatContext_TruncatesAtWindow(t *testing.T) {
	chunks := []retrieval.ContextChunk{
		chunk("a", strings.Repeat("A", 60)),
		chunk("b", strings.Repeat("B", 60)),
		chunk("c", strings.Repeat("C", 60)),
	}
	// Each entry is "\n[n] Source: x\n" (14 bytes) plus 60 bytes of content.
	got := FormatContext("q", chunks, 150)

	if !strings.Contains(got, strings.Repeat("A", 60)) || !strings.Contains(got, strings.Repeat("B", 60)) {
		t.Error("first two chunks should fit the window")
	}
	if strings.Contains(got, "CCC") {
		t.Error("third chunk should have been truncated")
	}
	if !strings.Contains(got, strings.Repeat("B", 60)+truncatedMarker) {
		t.Errorf("truncation marker should follow the last entry directly:\n%q", got)
	}
	if strings.Count(got, chunkSeparator) != 1 {
		t.Errorf("want one separator between the two kept entries:\n%q", got)
	}
	if !strings.HasSuffix(got, footer) {
		t.Error("missing footer after truncation")
	}
}

func TestFormatContext_FirstChunkTooLarge(t *testing.T) {
	got := FormatContext("q", []retrieval.ContextChunk{chunk("a", strings.Repeat("x", 500))}, 100)
	if strings.Contains(got, "[1] Source") {
		t.Error("oversized chunk should not be included")
	}
	if !strings.Contains(got, truncatedMarker) {
		t.Error("missing truncation marker")
	}
}

func TestSourceName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://cloud.ibm.com/docs/cli?topic=cli-getting-started", "cloud.ibm.com/docs/cli"},
		{"http://example.com", "example.com"},
		{"/var/data/guide.md", "guide.md"},
		{"doc1", "doc1"},
		{"IBM Cloud CLI Overview", "IBM Cloud CLI Overview"},
	}
	for _, tt := range tests {
		if got := SourceName(tt.in); got != tt.want {
			t.Errorf("SourceName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		chunks []retrieval.ContextChunk
		want   float32
	}{
		{"no chunks", "login", nil, 0},
		{"full overlap official source", "ibmcloud login",
			[]retrieval.ContextChunk{chunk("https://cloud.ibm.com/docs/cli", "ibmcloud login with API key")}, 1},
		{"half overlap generic source", "ibmcloud login",
			[]retrieval.ContextChunk{chunk("notes", "run ibmcloud now")}, 0.15},
		{"substring is not a word match", "log",
			[]retrieval.ContextChunk{chunk("https://cloud.ibm.com/docs/cli", "login")}, 0},
		{"averaged", "login",
			[]retrieval.ContextChunk{
				chunk("https://cloud.ibm.com/docs/cli", "login"),
				chunk("https://cloud.ibm.com/docs/cli", "other"),
			}, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Confidence(tt.query, tt.chunks)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("Confidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuilder_Retrieve(t *testing.T) {
	r := &mockRetriever{chunks: []retrieval.ContextChunk{
		chunk("doc1", "IBM Cloud CLI supports login via SSO."),
		chunk("doc2", "Use resource groups to organize services."),
		chunk("doc1", "Another doc1 passage."),
	}}
	b := NewBuilder(r, 0)
	if b.Window() != DefaultWindow {
		t.Errorf("Window = %d, want %d", b.Window(), DefaultWindow)
	}

	res, err := b.Retrieve(context.Background(), "how do I login")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if r.query != "how do I login" {
		t.Errorf("retriever got query %q", r.query)
	}
	if len(res.Chunks) != 3 {
		t.Errorf("got %d chunks, want 3", len(res.Chunks))
	}
	if len(res.Sources) != 2 || res.Sources[0] != "doc1" || res.Sources[1] != "doc2" {
		t.Errorf("Sources = %v, want [doc1 doc2]", res.Sources)
	}
	if !strings.HasPrefix(res.Context, "\n=== RELEVANT CONTEXT FOR: how do I login ===\n") {
		t.Errorf("Context = %q", res.Context)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Errorf("Confidence = %v, want in (0,1]", res.Confidence)
	}
}

func TestBuilder_RetrieveEmpty(t *testing.T) {
	res, err := NewBuilder(&mockRetriever{}, 0).Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks == nil || len(res.Chunks) != 0 || res.Context != "" || res.Confidence != 0 {
		t.Errorf("empty result = %+v", res)
	}
}

func TestBuilder_RetrieveError(t *testing.T) {
	boom := errors.New("store unavailable")
	_, err := NewBuilder(&mockRetriever{err: boom}, 0).Retrieve(context.Background(), "q")
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestBuilder_EnhancePrompt(t *testing.T) {
	r := &mockRetriever{chunks: []retrieval.ContextChunk{chunk("doc1", "IBM Cloud CLI supports login via SSO.")}}
	b := NewBuilder(r, 0)

	got, err := b.EnhancePrompt(context.Background(), "translate: log me in", "how do I login")
	if err != nil {
		t.Fatal(err)
	}
	ctxBlock := FormatContext("how do I login", r.chunks, DefaultWindow)
	want := ctxBlock +
		"\n\nBased on the above documentation context, please translate: log me in" +
		"\n\nEnsure your response is accurate and references the provided documentation when relevant."
	if got != want {
		t.Errorf("EnhancePrompt =\n%q\nwant\n%q", got, want)
	}
}

func TestBuilder_EnhancePromptNoContext(t *testing.T) {
	got, err := NewBuilder(&mockRetriever{}, 0).EnhancePrompt(context.Background(), "base prompt", "q")
	if err != nil {
		t.Fatal(err)
	}
	if got != "base prompt" {
		t.Errorf("EnhancePrompt = %q, want base prompt unchanged", got)
	}
}
