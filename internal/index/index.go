// Package index provides vector search over chunk embeddings. The default
// FlatIndex is in-process with a disk snapshot; QdrantIndex is for
// deployments already running Qdrant. Every write and search is dimension
// checked before it touches the backend.
package index

import (
	"context"

	"github.com/ashita-ai/karte/internal/model"
)

// Point is one chunk embedding to index.
type Point struct {
	ChunkID   string
	PatientID string
	Vector    []float32
}

// Hit is a search result: a chunk id and its cosine similarity. Vectors are
// unit normalized upstream, so cosine equals inner product.
type Hit struct {
	ChunkID string
	Score   float64
}

// VectorIndex searches chunk embeddings within one patient's records.
// Implementations must be safe for concurrent use.
type VectorIndex interface {
	// Upsert writes points, replacing any existing vector per chunk id.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to limit hits for the patient, best first. When
	// allowed is non-empty, only those chunk ids are candidates.
	Search(ctx context.Context, patientID string, vector []float32, allowed []string, limit int) ([]Hit, error)

	// DeletePatient removes every vector the patient owns.
	DeletePatient(ctx context.Context, patientID string) error

	// Dimension is the fixed vector width the index enforces.
	Dimension() int

	Healthy(ctx context.Context) error
	Close() error
}

func checkDimension(dim int, vec []float32) error {
	if len(vec) != dim {
		return model.Errorf(model.KindValidation,
			"index: vector has %d dimensions, index requires %d", len(vec), dim)
	}
	return nil
}
