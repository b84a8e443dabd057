package ingest_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/cache"
	"github.com/ashita-ai/karte/internal/index"
	"github.com/ashita-ai/karte/internal/ingest"
	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/retrieval"
	"github.com/ashita-ai/karte/internal/testutil"
)

const testDims = 32

type fixture struct {
	svc    *ingest.Service
	source *testutil.RecordSource
	store  metastore.Store
	vindex *index.FlatIndex
	embeds *testutil.Embedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testutil.Logger()

	store, err := metastore.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "karte.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	vindex, err := index.NewFlat(testDims, "", logger)
	require.NoError(t, err)

	embeds := testutil.NewEmbedder(testDims)
	source := testutil.NewRecordSource()

	embedCache := cache.NewTTL[[]float32]("embedding", cache.EmbeddingCapacity, cache.EmbeddingTTL, logger)
	queryCache := cache.NewTTL[model.UIResponse]("query_result", cache.QueryResultCapacity, cache.QueryResultTTL, logger)
	indexes := cache.NewLoader(cache.NewTTL[*retrieval.PatientIndex]("patient_index", cache.PatientIndexCapacity, cache.PatientIndexTTL, logger))

	svc := ingest.NewService(source, embeds, store, vindex, embedCache, queryCache, indexes, logger)
	return &fixture{svc: svc, source: source, store: store, vindex: vindex, embeds: embeds}
}

func seedBundle(f *fixture, patientID string) {
	f.source.Bundles[patientID] = model.PatientBundle{
		Notes: []map[string]any{
			{
				"id":      "note_123",
				"content": "Patient prescribed Metformin 500mg twice daily for Type 2 Diabetes management.",
				"date":    "2026-08-24T10:00:00Z",
				"author":  "Dr. Lee",
			},
		},
		Medications: []map[string]any{
			{
				"id":        "med_7",
				"name":      "Metformin",
				"dosage":    "500mg",
				"frequency": "twice daily",
				"date":      "2026-08-20",
			},
		},
		CarePlans: []map[string]any{
			{
				"id":    "careplan_2",
				"goal":  "HbA1c below 7 percent within six months.",
				"date":  "2026-07-01",
				"title": "Diabetes management plan",
			},
		},
	}
}

func TestIndexPatientWritesAllLayers(t *testing.T) {
	f := newFixture(t)
	seedBundle(f, "p1")
	ctx := context.Background()

	res, err := f.svc.IndexPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", res.PatientID)
	assert.Equal(t, 3, res.Artifacts)
	require.Equal(t, 3, res.IndexedChunks)

	chunks, err := f.store.PatientChunks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, "p1", c.PatientID)
		assert.True(t, c.Offsets.Valid(len(c.Content)+c.Offsets.Start), "offsets must be valid")
		assert.NotZero(t, c.OccurredAt)
	}

	assert.Equal(t, 3, f.vindex.Count())

	// Vectors are searchable and restricted to the patient.
	qvec, err := f.embeds.Embed(ctx, "metformin dosage")
	require.NoError(t, err)
	hits, err := f.vindex.Search(ctx, "p1", qvec, nil, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}

func TestIndexPatientIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seedBundle(f, "p1")
	ctx := context.Background()

	first, err := f.svc.IndexPatient(ctx, "p1")
	require.NoError(t, err)
	second, err := f.svc.IndexPatient(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, first.IndexedChunks, second.IndexedChunks)
	counts, err := f.store.PatientCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.IndexedChunks, counts.Chunks)
	assert.Equal(t, first.IndexedChunks, f.vindex.Count())
}

func TestIndexThenClearRestoresBaseline(t *testing.T) {
	f := newFixture(t)
	seedBundle(f, "p1")
	ctx := context.Background()

	res, err := f.svc.IndexPatient(ctx, "p1")
	require.NoError(t, err)

	cleared, err := f.svc.ClearPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, res.Artifacts, cleared.Artifacts)
	assert.Equal(t, res.IndexedChunks, cleared.Chunks)

	counts, err := f.store.PatientCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, counts.Artifacts)
	assert.Zero(t, counts.Chunks)
	assert.Zero(t, f.vindex.Count())
}

func TestIndexPatientEmbedsThroughCache(t *testing.T) {
	f := newFixture(t)
	seedBundle(f, "p1")
	ctx := context.Background()

	_, err := f.svc.IndexPatient(ctx, "p1")
	require.NoError(t, err)
	firstCalls := f.embeds.Calls

	// Unchanged content re-indexes without re-embedding.
	_, err = f.svc.IndexPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, firstCalls, f.embeds.Calls)
}

func TestIndexPatientPropagatesSourceFailure(t *testing.T) {
	f := newFixture(t)
	f.source.Err = model.Errorf(model.KindRecordSource, "emr: 502")
	_, err := f.svc.IndexPatient(context.Background(), "p1")
	require.Error(t, err)
	assert.Equal(t, model.KindRecordSource, model.KindOf(err))
}

func TestIndexPatientEmptyBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.IndexPatient(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, res.Artifacts)
	assert.Zero(t, res.IndexedChunks)
}

func TestIndexPatientHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	seedBundle(f, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.IndexPatient(ctx, "p1")
	// The SQLite layer or the context check surfaces cancellation; the
	// patient must not be half-written.
	if err != nil {
		counts, cErr := f.store.PatientCounts(context.Background(), "p1")
		require.NoError(t, cErr)
		assert.Zero(t, counts.Chunks)
	}
}

func TestOccurredAtSynthesizedFromCreatedAt(t *testing.T) {
	f := newFixture(t)
	f.source.Bundles["p2"] = model.PatientBundle{
		Notes: []map[string]any{
			{"id": "note_9", "content": "Follow up in two weeks.", "created_at": "2026-08-01T09:00:00Z"},
		},
	}
	ctx := context.Background()

	_, err := f.svc.IndexPatient(ctx, "p2")
	require.NoError(t, err)

	chunks, err := f.store.PatientChunks(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), chunks[0].OccurredAt.UTC())
}
