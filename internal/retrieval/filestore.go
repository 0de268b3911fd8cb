package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/cuc/internal/storage"
)

// Compile-time check that FileStore implements Store.
var _ Store = (*FileStore)(nil)

const snapshotVersion = 1

// snapshot is the on-disk corpus format. Unknown fields are ignored and
// missing ones decode to their zero values, so older and newer files stay
// readable.
type snapshot struct {
	Version            int        `json:"version"`
	EmbeddingDimension int        `json:"embedding_dimension"`
	LastUpdated        time.Time  `json:"last_updated"`
	Documents          []Document `json:"documents"`
}

// FileStore keeps documents in memory and rewrites a single JSON snapshot on
// every mutation. Reads share a read lock; writes are serialized.
type FileStore struct {
	mu    sync.RWMutex
	path  string
	dim   int
	docs  map[string]Document
	order []string
	now   func() time.Time
}

// NewMemoryStore returns a FileStore that never touches disk.
func NewMemoryStore(dim int) *FileStore {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &FileStore{
		dim:  dim,
		docs: make(map[string]Document),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// OpenFileStore loads the snapshot at path, or starts empty if the file does
// not exist yet. An empty path yields a memory-only store.
func OpenFileStore(path string, dim int) (*FileStore, error) {
	s := NewMemoryStore(dim)
	s.path = path
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, storeErr("load", fmt.Errorf("reading %s: %w", path, err))
	}
	if len(data) == 0 {
		return s, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, storeErr("load", fmt.Errorf("parsing %s: %w", path, err))
	}
	for _, d := range snap.Documents {
		if d.ID == "" {
			continue
		}
		if _, exists := s.docs[d.ID]; !exists {
			s.order = append(s.order, d.ID)
		}
		s.docs[d.ID] = d
	}
	return s, nil
}

// Path returns the snapshot location, or "" for a memory-only store.
func (s *FileStore) Path() string { return s.path }

// Put inserts or overwrites a document and persists the snapshot.
func (s *FileStore) Put(ctx context.Context, doc Document) error {
	return s.PutBatch(ctx, []Document{doc})
}

// PutBatch inserts or overwrites documents with a single snapshot write.
// If the write fails, the in-memory state is restored.
func (s *FileStore) PutBatch(_ context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	for _, d := range docs {
		if d.ID == "" {
			return storeErr("put", errors.New("document id is required"))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]Document, len(docs))
	added := make(map[string]bool, len(docs))
	origLen := len(s.order)

	for _, d := range docs {
		if old, ok := s.docs[d.ID]; ok {
			if _, saved := prev[d.ID]; !saved && !added[d.ID] {
				prev[d.ID] = old
			}
		} else {
			added[d.ID] = true
			s.order = append(s.order, d.ID)
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = s.now()
		}
		d.Metadata = cloneMetadata(d.Metadata)
		d.Embedding = slices.Clone(d.Embedding)
		s.docs[d.ID] = d
	}

	if err := s.persistLocked(); err != nil {
		for id := range added {
			delete(s.docs, id)
		}
		for id, old := range prev {
			s.docs[id] = old
		}
		s.order = s.order[:origLen]
		return storeErr("put", err)
	}
	return nil
}

// Get returns the document with the given ID, or ErrNotFound.
func (s *FileStore) Get(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(d), nil
}

// Delete removes a document by ID, or returns ErrNotFound.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	idx := slices.Index(s.order, id)
	delete(s.docs, id)
	s.order = slices.Delete(s.order, idx, idx+1)

	if err := s.persistLocked(); err != nil {
		s.docs[id] = old
		s.order = slices.Insert(s.order, idx, id)
		return storeErr("delete", err)
	}
	return nil
}

// Clear removes every document.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldDocs, oldOrder := s.docs, s.order
	s.docs = make(map[string]Document)
	s.order = nil

	if err := s.persistLocked(); err != nil {
		s.docs, s.order = oldDocs, oldOrder
		return storeErr("clear", err)
	}
	return nil
}

// Count returns the number of stored documents.
func (s *FileStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs), nil
}

// All returns every document in insertion order.
func (s *FileStore) All(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Document, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyDocument(s.docs[id]))
	}
	return out, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *FileStore) Close() error { return nil }

// persistLocked writes the whole corpus. Caller must hold the write lock.
func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{
		Version:            snapshotVersion,
		EmbeddingDimension: s.dim,
		LastUpdated:        s.now(),
		Documents:          make([]Document, 0, len(s.order)),
	}
	for _, id := range s.order {
		snap.Documents = append(snap.Documents, s.docs[id])
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return storage.WriteFileAtomic(s.path, data, 0o600)
}

func copyDocument(d Document) Document {
	d.Metadata = cloneMetadata(d.Metadata)
	d.Embedding = slices.Clone(d.Embedding)
	return d
}
