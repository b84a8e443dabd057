// Package metastore is the system of record for normalized artifacts and
// their chunks. It serves three callers: the ingest service writes one
// patient per transaction, the retrieval filter reads per-patient chunk
// metadata to build its in-memory indexes, and the flat vector index
// rebuilds itself from stored vectors when no snapshot exists.
//
// Two backends: embedded SQLite (default, zero external services) and
// Postgres for deployments that already run one.
package metastore

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"github.com/ashita-ai/karte/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("metastore: not found")

// ChunkVector pairs a chunk id with its stored embedding.
type ChunkVector struct {
	ChunkID string
	Vector  []float32
}

// Counts reports how many rows a patient currently owns.
type Counts struct {
	Artifacts int `json:"artifacts"`
	Chunks    int `json:"chunks"`
}

// Store persists artifacts, chunks, and chunk embeddings.
//
// ReplacePatient is the only write path: it atomically swaps everything a
// patient owns for the new indexing generation, so a failed re-index never
// leaves a patient half-written.
type Store interface {
	// ReplacePatient deletes the patient's previous generation and inserts
	// the new one in a single transaction. vectors[i] belongs to chunks[i].
	ReplacePatient(ctx context.Context, patientID string, artifacts []model.Artifact, chunks []model.Chunk, vectors [][]float32) error

	// PatientChunks returns every chunk for a patient ordered by
	// occurred_at, then chunk id. Vector payloads are not loaded.
	PatientChunks(ctx context.Context, patientID string) ([]model.Chunk, error)

	// ChunksByIDs returns the chunks for the given ids in the requested
	// order. Ids with no row are skipped, not errors.
	ChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error)

	// PatientVectors returns chunk id + embedding pairs for index rebuild.
	PatientVectors(ctx context.Context, patientID string) ([]ChunkVector, error)

	// DeletePatient removes everything a patient owns and reports how many
	// rows went away.
	DeletePatient(ctx context.Context, patientID string) (Counts, error)

	// PatientCounts reports current row counts for one patient.
	PatientCounts(ctx context.Context, patientID string) (Counts, error)

	// Patients lists every patient id with at least one chunk.
	Patients(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// vectorBlob encodes a float32 vector as little-endian bytes for backends
// without a native vector type.
func vectorBlob(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// blobVector is the inverse of vectorBlob.
func blobVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
