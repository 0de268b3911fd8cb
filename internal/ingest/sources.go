package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/cuc/internal/storage"
)

// SourceType classifies a reference source.
type SourceType string

const (
	SourceDocumentation SourceType = "documentation"
	SourceTutorial      SourceType = "tutorial"
	SourceReference     SourceType = "reference"
	SourceExample       SourceType = "example"
)

// ParseSourceType validates a source type name; empty means documentation.
func ParseSourceType(s string) (SourceType, error) {
	switch t := SourceType(s); t {
	case "":
		return SourceDocumentation, nil
	case SourceDocumentation, SourceTutorial, SourceReference, SourceExample:
		return t, nil
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// ReferenceSource is a web page that has been (or will be) indexed.
type ReferenceSource struct {
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	SourceType  SourceType `json:"source_type"`
	LastIndexed *time.Time `json:"last_indexed,omitempty"`
	ChunkCount  int        `json:"chunk_count"`
}

// DefaultSources lists the IBM Cloud CLI documentation pages indexed by
// `cuc sources index --defaults`.
func DefaultSources() []ReferenceSource {
	return []ReferenceSource{
		{Name: "IBM Cloud CLI Overview", URL: "https://cloud.ibm.com/docs/cli", SourceType: SourceDocumentation},
		{Name: "IBM Cloud CLI Reference", URL: "https://cloud.ibm.com/docs/cli?topic=cli-ibmcloud_cli", SourceType: SourceReference},
		{Name: "Getting Started with IBM Cloud CLI", URL: "https://cloud.ibm.com/docs/cli?topic=cli-getting-started", SourceType: SourceTutorial},
	}
}

// SourceRegistry persists the list of reference sources as JSON.
type SourceRegistry struct {
	mu      sync.Mutex
	path    string
	sources []ReferenceSource
}

// OpenSourceRegistry loads the registry at path. A missing file yields an
// empty registry; an empty path keeps it in memory.
func OpenSourceRegistry(path string) (*SourceRegistry, error) {
	r := &SourceRegistry{path: path}
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sources: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.sources); err != nil {
			return nil, fmt.Errorf("parsing sources %s: %w", path, err)
		}
	}
	return r, nil
}

// List returns a copy of the registered sources.
func (r *SourceRegistry) List() []ReferenceSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sources)
}

// Add registers src, replacing any entry with the same URL.
func (r *SourceRegistry) Add(src ReferenceSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := slices.Clone(r.sources)
	if i := r.indexLocked(src.URL); i >= 0 {
		r.sources[i] = src
	} else {
		r.sources = append(r.sources, src)
	}
	if err := r.saveLocked(); err != nil {
		r.sources = prev
		return err
	}
	return nil
}

// MarkIndexed records a successful index run for url, registering it under
// name if it is new.
func (r *SourceRegistry) MarkIndexed(url, name string, chunks int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := slices.Clone(r.sources)
	i := r.indexLocked(url)
	if i < 0 {
		if name == "" {
			name = url
		}
		r.sources = append(r.sources, ReferenceSource{Name: name, URL: url, SourceType: SourceDocumentation})
		i = len(r.sources) - 1
	}
	r.sources[i].LastIndexed = &at
	r.sources[i].ChunkCount = chunks
	if err := r.saveLocked(); err != nil {
		r.sources = prev
		return err
	}
	return nil
}

func (r *SourceRegistry) indexLocked(url string) int {
	return slices.IndexFunc(r.sources, func(s ReferenceSource) bool { return s.URL == url })
}

func (r *SourceRegistry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.sources, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sources: %w", err)
	}
	if err := storage.WriteFileAtomic(r.path, data, 0o600); err != nil {
		return fmt.Errorf("saving sources: %w", err)
	}
	return nil
}
