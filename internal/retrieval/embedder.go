package retrieval

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultDimension is the embedding width used by HashEmbedder and persisted
// in snapshot headers.
const DefaultDimension = 384

// Embedder maps text to a fixed-length vector. HashEmbedder is the built-in
// implementation; a model-backed embedder can be swapped in behind the same
// interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

const (
	secondaryWeight = 0.7
	tertiaryWeight  = 0.5
	bigramWeight    = 0.8
)

// HashEmbedder produces deterministic pseudo-embeddings from word and bigram
// hashes. Unrelated words may collide on the same index; that noise is
// accepted.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder with the given dimension.
// If dim <= 0, DefaultDimension is used.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector width.
func (e *HashEmbedder) Dimension() int { return e.dim }

// Embed returns the embedding for text. It never fails; the error is part of
// the Embedder contract.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.Vector(text), nil
}

// Vector computes the embedding without a context.
func (e *HashEmbedder) Vector(text string) []float32 {
	vec := make([]float32, e.dim)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec
	}

	dim := uint64(e.dim)
	for pos, word := range words {
		h := xxhash.Sum64String(word)
		w := float32(1.0 / (1.0 + float64(pos)))
		vec[h%dim] += w
		vec[(h>>16)%dim] += w * secondaryWeight
		vec[(h>>32)%dim] += w * tertiaryWeight
	}

	for i := 0; i+1 < len(words); i++ {
		h := xxhash.Sum64String(words[i] + " " + words[i+1])
		vec[h%dim] += bigramWeight
	}

	n := norm(vec)
	if n == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

// EmbedBatch returns embedding vectors for multiple texts concurrently,
// preserving input order. Returns nil (not error) for empty/nil input.
func EmbedBatch(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}
