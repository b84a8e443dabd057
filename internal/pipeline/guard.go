package pipeline

import (
	"context"

	"github.com/ashita-ai/karte/internal/emr"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/service/embedding"
	"github.com/ashita-ai/karte/internal/service/generation"
)

// The guards wrap each external dependency in its circuit breaker. Callers
// keep programming against the plain interfaces; when a dependency has been
// failing, the guard rejects with circuit_open before any network work.

// RecordSource is the slice of the EMR client the pipeline consumes.
type RecordSource interface {
	GetAll(ctx context.Context, patientID string) (model.PatientBundle, error)
	Fetch(ctx context.Context, kind emr.RecordKind, patientID string, opts emr.FetchOptions) ([]map[string]any, error)
}

// GuardEmbedder wraps an embedding provider in the embedder breaker.
func GuardEmbedder(p embedding.Provider, b *Breakers) embedding.Provider {
	return &guardedEmbedder{p: p, b: b}
}

type guardedEmbedder struct {
	p embedding.Provider
	b *Breakers
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := g.b.Do(DepEmbedder, func() error {
		var err error
		vec, err = g.p.Embed(ctx, text)
		return err
	})
	return vec, err
}

func (g *guardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := g.b.Do(DepEmbedder, func() error {
		var err error
		vecs, err = g.p.EmbedBatch(ctx, texts)
		return err
	})
	return vecs, err
}

func (g *guardedEmbedder) Dimensions() int { return g.p.Dimensions() }
func (g *guardedEmbedder) ModelID() string { return g.p.ModelID() }

// GuardGenerator wraps a generation provider in the generator breaker.
func GuardGenerator(p generation.Provider, b *Breakers) generation.Provider {
	return &guardedGenerator{p: p, b: b}
}

type guardedGenerator struct {
	p generation.Provider
	b *Breakers
}

func (g *guardedGenerator) Generate(ctx context.Context, system, user string, cfg generation.Config) (generation.Result, error) {
	var res generation.Result
	err := g.b.Do(DepGenerator, func() error {
		var err error
		res, err = g.p.Generate(ctx, system, user, cfg)
		return err
	})
	return res, err
}

func (g *guardedGenerator) ModelID() string { return g.p.ModelID() }

// GuardVectorIndex wraps a vector index in the vector_index breaker.
// Dimension, Healthy, and Close bypass the breaker: they are local or
// diagnostic and must work while the breaker is open.
func GuardVectorIndex(ix index.VectorIndex, b *Breakers) index.VectorIndex {
	return &guardedIndex{ix: ix, b: b}
}

type guardedIndex struct {
	ix index.VectorIndex
	b  *Breakers
}

func (g *guardedIndex) Upsert(ctx context.Context, points []index.Point) error {
	return g.b.Do(DepVectorIndex, func() error {
		return g.ix.Upsert(ctx, points)
	})
}

func (g *guardedIndex) Search(ctx context.Context, patientID string, vector []float32, allowed []string, limit int) ([]index.Hit, error) {
	var hits []index.Hit
	err := g.b.Do(DepVectorIndex, func() error {
		var err error
		hits, err = g.ix.Search(ctx, patientID, vector, allowed, limit)
		return err
	})
	return hits, err
}

func (g *guardedIndex) DeletePatient(ctx context.Context, patientID string) error {
	return g.b.Do(DepVectorIndex, func() error {
		return g.ix.DeletePatient(ctx, patientID)
	})
}

func (g *guardedIndex) Dimension() int                    { return g.ix.Dimension() }
func (g *guardedIndex) Healthy(ctx context.Context) error { return g.ix.Healthy(ctx) }
func (g *guardedIndex) Close() error                      { return g.ix.Close() }

// GuardStore wraps a metadata store in the metadata_store breaker.
func GuardStore(s metastore.Store, b *Breakers) metastore.Store {
	return &guardedStore{s: s, b: b}
}

type guardedStore struct {
	s metastore.Store
	b *Breakers
}

func (g *guardedStore) ReplacePatient(ctx context.Context, patientID string, artifacts []model.Artifact, chunks []model.Chunk, vectors [][]float32) error {
	return g.b.Do(DepMetadataStore, func() error {
		return g.s.ReplacePatient(ctx, patientID, artifacts, chunks, vectors)
	})
}

func (g *guardedStore) PatientChunks(ctx context.Context, patientID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := g.b.Do(DepMetadataStore, func() error {
		var err error
		chunks, err = g.s.PatientChunks(ctx, patientID)
		return err
	})
	return chunks, err
}

func (g *guardedStore) ChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := g.b.Do(DepMetadataStore, func() error {
		var err error
		chunks, err = g.s.ChunksByIDs(ctx, ids)
		return err
	})
	return chunks, err
}

func (g *guardedStore) PatientVectors(ctx context.Context, patientID string) ([]metastore.ChunkVector, error) {
	var vecs []metastore.ChunkVector
	err := g.b.Do(DepMetadataStore, func() error {
		var err error
		vecs, err = g.s.PatientVectors(ctx, patientID)
		return err
	})
	return vecs, err
}

func (g *guardedStore) DeletePatient(ctx context.Context, patientID string) (metastore.Counts, error) {
	var counts metastore.Counts
	err := g.b.Do(DepMetadataStore, func() error {
		var err error
		counts, err = g.s.DeletePatient(ctx, patientID)
		return err
	})
	return counts, err
}

func (g *guardedStore) PatientCounts(ctx context.Context, patientID string) (metastore.Counts, error) {
	var counts metastore.Counts
	err := g.b.Do(DepMetadataStore, func() error {
		var err error
		counts, err = g.s.PatientCounts(ctx, patientID)
		return err
	})
	return counts, err
}

func (g *guardedStore) Patients(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.b.Do(DepMetadataStore, func() error {
		var err error
		ids, err = g.s.Patients(ctx)
		return err
	})
	return ids, err
}

func (g *guardedStore) Ping(ctx context.Context) error { return g.s.Ping(ctx) }
func (g *guardedStore) Close() error                   { return g.s.Close() }

// GuardRecordSource wraps an EMR client in the record_source breaker.
func GuardRecordSource(rs RecordSource, b *Breakers) RecordSource {
	return &guardedRecordSource{rs: rs, b: b}
}

type guardedRecordSource struct {
	rs RecordSource
	b  *Breakers
}

func (g *guardedRecordSource) GetAll(ctx context.Context, patientID string) (model.PatientBundle, error) {
	var bundle model.PatientBundle
	err := g.b.Do(DepRecordSource, func() error {
		var err error
		bundle, err = g.rs.GetAll(ctx, patientID)
		return err
	})
	return bundle, err
}

func (g *guardedRecordSource) Fetch(ctx context.Context, kind emr.RecordKind, patientID string, opts emr.FetchOptions) ([]map[string]any, error) {
	var recs []map[string]any
	err := g.b.Do(DepRecordSource, func() error {
		var err error
		recs, err = g.rs.Fetch(ctx, kind, patientID, opts)
		return err
	})
	return recs, err
}
