// Package embedding provides vector embedding generation for semantic search.
//
// Defines a Provider interface with local-only implementations. Record
// content must never leave the host, so there is deliberately no cloud
// provider here.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Provider generates vector embeddings from text. Implementations must be
// deterministic per (model id, text).
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. Output order
	// matches input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// ModelID identifies the model producing the vectors.
	ModelID() string
}

// ValidateDims checks a vector against the expected dimensionality. Every
// write and every search vector goes through this before touching the index.
func ValidateDims(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("embedding: dimension mismatch: got %d, want %d", len(vec), want)
	}
	return nil
}

// Normalize scales a vector to unit length in place and returns it, so that
// cosine similarity downstream reduces to an inner product. Zero vectors are
// returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}

// IsZero reports whether every component of the vector is zero. A zero
// vector cannot be normalized and produces meaningless similarities, so
// callers skip or reject them.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// NoopProvider returns zero vectors. Used when no model is reachable and in
// wiring tests that never look at similarity scores.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int { return p.dims }

// ModelID identifies the noop provider.
func (p *NoopProvider) ModelID() string { return "noop" }

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, p.dims), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = make([]float32, p.dims)
	}
	return vecs, nil
}
