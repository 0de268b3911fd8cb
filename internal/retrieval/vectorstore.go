package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the document store contract shared by all backends.
// The file-backed store is the default; SQLite and Qdrant implementations
// are selected by configuration and hold exactly the same Document shape.
//
// Put overwrites any existing document with the same ID (no merge). All
// returns documents in insertion order, which is also the tie-break order
// used by similarity search. A write that fails must leave the document
// unpersisted and return a *StoreError.
type Store interface {
	Put(ctx context.Context, doc Document) error
	PutBatch(ctx context.Context, docs []Document) error
	Get(ctx context.Context, id string) (Document, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	All(ctx context.Context) ([]Document, error)
	Close() error
}

// VectorSearcher is an optional interface for backends that can rank by
// cosine similarity natively instead of a full scan through All.
type VectorSearcher interface {
	SearchVector(ctx context.Context, vector []float32, topK int, threshold float32) ([]ScoredDocument, error)
}

// Document is a stored chunk of source text with its embedding.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ScoredDocument is a Document with a similarity score attached.
type ScoredDocument struct {
	Document
	Score float32
}

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// StoreError reports a persistence, serialization, or backend failure.
// The document involved must be treated as not persisted.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
