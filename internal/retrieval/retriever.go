package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/service/embedding"
	"github.com/ashita-ai/karte/internal/telemetry"
)

const (
	// hybridAlpha weighs semantic against lexical in h = α·s + (1−α)·k.
	hybridAlpha = 0.7
	// hybridTopK bounds how many candidates leave the hybrid stage.
	hybridTopK = 20
)

// Retriever runs the retrieval pipeline for one structured query: metadata
// filter, hybrid search, scoring, re-rank, diversification, time decay,
// highlighting. The two I/O calls (query embedding, vector search) respect
// the request context; every later stage is pure.
type Retriever struct {
	store    metastore.Store
	vindex   index.VectorIndex
	embedder embedding.Provider

	embedCache *cache.TTLCache[[]float32]
	indexes    *cache.Loader[*PatientIndex]
	logger     *slog.Logger

	embeddingDuration metric.Float64Histogram
	searchDuration    metric.Float64Histogram
}

// NewRetriever wires the retriever. embedCache and indexes are shared with
// the indexing path, which invalidates the patient index after a re-index.
func NewRetriever(
	store metastore.Store,
	vindex index.VectorIndex,
	embedder embedding.Provider,
	embedCache *cache.TTLCache[[]float32],
	indexes *cache.Loader[*PatientIndex],
	logger *slog.Logger,
) *Retriever {
	meter := telemetry.Meter("karte/retrieval")
	embDur, _ := meter.Float64Histogram("karte.embedding.duration",
		metric.WithDescription("Time to embed query text (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("karte.search.duration",
		metric.WithDescription("Time to run the vector search (ms)"),
		metric.WithUnit("ms"),
	)
	return &Retriever{
		store:             store,
		vindex:            vindex,
		embedder:          embedder,
		embedCache:        embedCache,
		indexes:           indexes,
		logger:            logger,
		embeddingDuration: embDur,
		searchDuration:    searchDur,
	}
}

// Retrieve returns ranked, highlighted candidates for the query. An empty
// result with a nil error means the metadata filter matched nothing; the
// caller decides how to answer that.
func (r *Retriever) Retrieve(ctx context.Context, sq model.StructuredQuery, now time.Time) ([]model.RetrievalCandidate, error) {
	ix, err := r.patientIndex(ctx, sq.PatientID, now)
	if err != nil {
		return nil, err
	}

	ids := ix.Filter(sq.Filters)
	if len(ids) == 0 {
		r.logger.Debug("retrieval: filter matched nothing",
			"patient_id", sq.PatientID, "query_id", sq.QueryID)
		return nil, nil
	}

	qvec, err := r.embedQuery(ctx, sq.OriginalQuery)
	if err != nil {
		return nil, err
	}

	searchStart := time.Now()
	hits, err := r.vindex.Search(ctx, sq.PatientID, qvec, ids, len(ids))
	r.searchDuration.Record(ctx, float64(time.Since(searchStart).Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("retrieval: vector search: %w", err)
	}
	semantic := make(map[string]float64, len(hits))
	for _, h := range hits {
		semantic[h.ChunkID] = h.Score
	}

	chunks, err := r.store.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieval: fetch chunk bodies: %w", err)
	}

	docs := make(map[string]tokenDoc, len(chunks))
	docList := make([]tokenDoc, len(chunks))
	for i, c := range chunks {
		d := newTokenDoc(c.ChunkID, c.Content)
		docs[c.ChunkID] = d
		docList[i] = d
	}
	lexical := lexicalScores(docList, queryTerms(sq))

	cands := make([]model.RetrievalCandidate, len(chunks))
	for i, c := range chunks {
		s := semantic[c.ChunkID]
		k := lexical[c.ChunkID]
		h := hybridAlpha*s + (1-hybridAlpha)*k
		cands[i] = model.RetrievalCandidate{
			Chunk: c,
			Score: h,
			Breakdown: model.ScoreBreakdown{
				Semantic: s,
				Lexical:  k,
				Hybrid:   h,
			},
		}
	}
	sortCandidates(cands)
	if len(cands) > hybridTopK {
		cands = cands[:hybridTopK]
	}
	setRanks(cands)

	sc := newScoreContext(sq, now, docs)
	scoreCandidates(cands, sc)
	sortCandidates(cands)
	setRanks(cands)
	rerankCandidates(cands, sc)
	diversifyCandidates(cands)
	applyTimeDecay(cands, now)
	annotateCandidates(cands, sc)

	r.logger.Debug("retrieval: done",
		"patient_id", sq.PatientID,
		"query_id", sq.QueryID,
		"filtered", len(ids),
		"candidates", len(cands))
	return cands, nil
}

// patientIndex loads the cached inverted index or builds it from the
// metadata store. Concurrent builders for the same patient collapse into
// one; everyone gets the published result.
func (r *Retriever) patientIndex(ctx context.Context, patientID string, now time.Time) (*PatientIndex, error) {
	ix, cached, err := r.indexes.Get(ctx, cache.PatientKey(patientID), func(ctx context.Context) (*PatientIndex, error) {
		chunks, err := r.store.PatientChunks(ctx, patientID)
		if err != nil {
			return nil, fmt.Errorf("retrieval: load patient chunks: %w", err)
		}
		return BuildPatientIndex(patientID, chunks, now), nil
	})
	if err != nil {
		return nil, err
	}
	if !cached {
		r.logger.Debug("retrieval: built patient index",
			"patient_id", patientID, "chunks", ix.ChunkSize)
	}
	return ix, nil
}

// embedQuery returns the unit-normalized query vector, through the
// embedding cache.
func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey(text)
	if vec, ok := r.embedCache.Get(ctx, key); ok {
		return vec, nil
	}
	start := time.Now()
	vec, err := r.embedder.Embed(ctx, text)
	r.embeddingDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if err := embedding.ValidateDims(vec, r.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("retrieval: query vector: %w", err)
	}
	embedding.Normalize(vec)
	r.embedCache.Add(key, vec)
	return vec, nil
}
