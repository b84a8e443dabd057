// Package ingest is the offline indexing path: pull a patient's records
// from the EMR, normalize them into artifacts, chunk, embed, and publish
// one new indexing generation into the metadata store and the vector index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/chunk"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/normalize"
	"github.com/ashita-ai/karte/internal/pipeline"
	"github.com/ashita-ai/karte/internal/retrieval"
	"github.com/ashita-ai/karte/internal/service/embedding"
	"github.com/ashita-ai/karte/internal/telemetry"
)

// Result summarizes one indexing run.
type Result struct {
	PatientID     string `json:"patient_id"`
	Artifacts     int    `json:"artifacts"`
	IndexedChunks int    `json:"indexed_chunks"`
	ElapsedMS     int64  `json:"elapsed_ms"`
}

// ClearResult reports what a patient clear removed.
type ClearResult struct {
	PatientID string `json:"patient_id"`
	Artifacts int    `json:"artifacts"`
	Chunks    int    `json:"chunks"`
}

// Service runs indexing and clearing. One instance serves all patients;
// per-patient writes are serialized by the metadata store's transactional
// ReplacePatient, so two concurrent re-indexes of one patient cannot
// interleave generations.
type Service struct {
	source     pipeline.RecordSource
	normalizer *normalize.Normalizer
	chunker    *chunk.Chunker
	embedder   embedding.Provider
	store      metastore.Store
	vindex     index.VectorIndex

	embedCache *cache.TTLCache[[]float32]
	queryCache *cache.TTLCache[model.UIResponse]
	indexes    *cache.Loader[*retrieval.PatientIndex]
	logger     *slog.Logger

	indexDuration metric.Float64Histogram
	chunksIndexed metric.Int64Counter
}

// NewService wires the indexing service. The three caches are the shared
// instances from the online path; indexing invalidates them so queries
// never see a stale generation.
func NewService(
	source pipeline.RecordSource,
	embedder embedding.Provider,
	store metastore.Store,
	vindex index.VectorIndex,
	embedCache *cache.TTLCache[[]float32],
	queryCache *cache.TTLCache[model.UIResponse],
	indexes *cache.Loader[*retrieval.PatientIndex],
	logger *slog.Logger,
) *Service {
	meter := telemetry.Meter("karte/ingest")
	indexDur, _ := meter.Float64Histogram("karte.ingest.duration",
		metric.WithDescription("Time to index one patient (ms)"),
		metric.WithUnit("ms"),
	)
	chunks, _ := meter.Int64Counter("karte.ingest.chunks",
		metric.WithDescription("Chunks written across indexing runs"),
	)
	return &Service{
		source:        source,
		normalizer:    normalize.New(),
		chunker:       chunk.Default(),
		embedder:      embedder,
		store:         store,
		vindex:        vindex,
		embedCache:    embedCache,
		queryCache:    queryCache,
		indexes:       indexes,
		logger:        logger,
		indexDuration: indexDur,
		chunksIndexed: chunks,
	}
}

// IndexPatient replaces the patient's indexed generation with a fresh pull
// from the record source. The store write and the vector write publish
// together: metadata first (transactional), then vectors, then cache
// invalidation so the next query rebuilds its in-memory index.
func (s *Service) IndexPatient(ctx context.Context, patientID string) (Result, error) {
	start := time.Now()
	defer func() {
		s.indexDuration.Record(context.WithoutCancel(ctx), float64(time.Since(start).Milliseconds()))
	}()

	bundle, err := s.source.GetAll(ctx, patientID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: fetch records: %w", err)
	}

	artifacts := s.normalizer.Bundle(patientID, bundle, start.UTC())

	var chunks []model.Chunk
	for _, a := range artifacts {
		chunks = append(chunks, s.chunker.Split(a)...)
	}

	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return Result{}, err
	}

	if err := s.store.ReplacePatient(ctx, patientID, artifacts, chunks, vectors); err != nil {
		return Result{}, fmt.Errorf("ingest: store generation: %w", err)
	}

	if err := s.vindex.DeletePatient(ctx, patientID); err != nil {
		return Result{}, fmt.Errorf("ingest: clear previous vectors: %w", err)
	}
	points := make([]index.Point, len(chunks))
	for i, c := range chunks {
		points[i] = index.Point{ChunkID: c.ChunkID, PatientID: patientID, Vector: vectors[i]}
	}
	if len(points) > 0 {
		if err := s.vindex.Upsert(ctx, points); err != nil {
			return Result{}, fmt.Errorf("ingest: index vectors: %w", err)
		}
	}

	s.invalidate(patientID)
	s.chunksIndexed.Add(context.WithoutCancel(ctx), int64(len(chunks)))

	res := Result{
		PatientID:     patientID,
		Artifacts:     len(artifacts),
		IndexedChunks: len(chunks),
		ElapsedMS:     time.Since(start).Milliseconds(),
	}
	s.logger.Info("ingest: patient indexed",
		"patient_id", patientID,
		"artifacts", res.Artifacts,
		"chunks", res.IndexedChunks,
		"elapsed_ms", res.ElapsedMS)
	return res, nil
}

// ClearPatient removes everything the patient owns: vectors, metadata
// rows, and cached state. Indexing then clearing restores baseline counts.
func (s *Service) ClearPatient(ctx context.Context, patientID string) (ClearResult, error) {
	if err := s.vindex.DeletePatient(ctx, patientID); err != nil {
		return ClearResult{}, fmt.Errorf("ingest: clear vectors: %w", err)
	}
	counts, err := s.store.DeletePatient(ctx, patientID)
	if err != nil {
		return ClearResult{}, fmt.Errorf("ingest: clear metadata: %w", err)
	}
	s.invalidate(patientID)

	s.logger.Info("ingest: patient cleared",
		"patient_id", patientID, "artifacts", counts.Artifacts, "chunks", counts.Chunks)
	return ClearResult{PatientID: patientID, Artifacts: counts.Artifacts, Chunks: counts.Chunks}, nil
}

// embedChunks produces one unit-normalized vector per chunk, in chunk
// order. The embedding cache is consulted first so a re-index after a
// small edit only embeds what changed.
func (s *Service) embedChunks(ctx context.Context, chunks []model.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	var missing []int
	var texts []string
	for i, c := range chunks {
		if vec, ok := s.embedCache.Get(ctx, cache.EmbeddingKey(c.Content)); ok {
			vectors[i] = vec
			continue
		}
		missing = append(missing, i)
		texts = append(texts, c.Content)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	embedded, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ingest: embed chunks: %w", err)
	}
	if len(embedded) != len(missing) {
		return nil, fmt.Errorf("ingest: embedder returned %d vectors for %d texts", len(embedded), len(missing))
	}

	dims := s.embedder.Dimensions()
	for j, i := range missing {
		vec := embedded[j]
		if err := embedding.ValidateDims(vec, dims); err != nil {
			return nil, fmt.Errorf("ingest: chunk %s: %w", chunks[i].ChunkID, err)
		}
		embedding.Normalize(vec)
		vectors[i] = vec
		s.embedCache.Add(cache.EmbeddingKey(chunks[i].Content), vec)
	}
	return vectors, nil
}

func (s *Service) invalidate(patientID string) {
	s.indexes.Invalidate(cache.PatientKey(patientID))
	// Query results embed retrieval output; a new generation voids them.
	// Keys mix query text and filters, so a per-patient sweep is not
	// possible without an index; purging the small cache is.
	s.queryCache.Purge()
}
