package metastore_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/metastore"
	"github.com/ashita-ai/karte/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) *metastore.SQLiteStore {
	t.Helper()
	s, err := metastore.NewSQLite(context.Background(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fixtureBundle(patientID string) ([]model.Artifact, []model.Chunk, [][]float32) {
	base := time.Date(2025, time.January, 10, 9, 30, 0, 0, time.UTC)
	artifacts := []model.Artifact{
		{
			ArtifactID: "note_1", PatientID: patientID, Type: model.ArtifactNote,
			OccurredAt: base, Author: "Dr. Sato",
			Content: "Progress Note: patient stable on current regimen.",
		},
		{
			ArtifactID: "med_1", PatientID: patientID, Type: model.ArtifactMedicationOrder,
			OccurredAt: base.AddDate(0, 0, 5),
			Content:    "Medication: Metformin 500mg twice daily.",
		},
	}
	chunks := []model.Chunk{
		{
			ChunkID: "note_1:0", ArtifactID: "note_1", PatientID: patientID,
			Type: model.ArtifactNote, OccurredAt: base, Author: "Dr. Sato",
			Content: "Progress Note: patient stable on current regimen.",
			Offsets: model.CharRange{Start: 0, End: 49},
		},
		{
			ChunkID: "med_1:0", ArtifactID: "med_1", PatientID: patientID,
			Type: model.ArtifactMedicationOrder, OccurredAt: base.AddDate(0, 0, 5),
			Content: "Medication: Metformin 500mg twice daily.",
			Offsets: model.CharRange{Start: 0, End: 40},
		},
	}
	vectors := [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}}
	return artifacts, chunks, vectors
}

func TestSQLiteReplaceAndRead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	artifacts, chunks, vectors := fixtureBundle("p1")

	require.NoError(t, s.ReplacePatient(ctx, "p1", artifacts, chunks, vectors))

	got, err := s.PatientChunks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Ordered by occurred_at.
	assert.Equal(t, "note_1:0", got[0].ChunkID)
	assert.Equal(t, "med_1:0", got[1].ChunkID)

	// Round trip is field-exact.
	assert.Equal(t, chunks[0].Content, got[0].Content)
	assert.Equal(t, chunks[0].Offsets, got[0].Offsets)
	assert.Equal(t, chunks[0].Author, got[0].Author)
	assert.Equal(t, model.ArtifactNote, got[0].Type)
	assert.True(t, got[0].OccurredAt.Equal(chunks[0].OccurredAt))

	counts, err := s.PatientCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, metastore.Counts{Artifacts: 2, Chunks: 2}, counts)
}

func TestSQLiteReplaceSwapsGeneration(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	artifacts, chunks, vectors := fixtureBundle("p1")
	require.NoError(t, s.ReplacePatient(ctx, "p1", artifacts, chunks, vectors))

	// Second generation has a single chunk; the first must be gone entirely.
	require.NoError(t, s.ReplacePatient(ctx, "p1",
		artifacts[:1], chunks[:1], vectors[:1]))

	counts, err := s.PatientCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, metastore.Counts{Artifacts: 1, Chunks: 1}, counts)

	got, err := s.ChunksByIDs(ctx, []string{"med_1:0"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteChunksByIDsOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	artifacts, chunks, vectors := fixtureBundle("p1")
	require.NoError(t, s.ReplacePatient(ctx, "p1", artifacts, chunks, vectors))

	got, err := s.ChunksByIDs(ctx, []string{"med_1:0", "missing", "note_1:0"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "med_1:0", got[0].ChunkID)
	assert.Equal(t, "note_1:0", got[1].ChunkID)

	empty, err := s.ChunksByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteVectorsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	artifacts, chunks, vectors := fixtureBundle("p1")
	require.NoError(t, s.ReplacePatient(ctx, "p1", artifacts, chunks, vectors))

	got, err := s.PatientVectors(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "note_1:0", got[0].ChunkID)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got[0].Vector)
	assert.Equal(t, []float32{0.4, 0.5, 0.6}, got[1].Vector)
}

func TestSQLiteDeletePatient(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	artifacts, chunks, vectors := fixtureBundle("p1")
	require.NoError(t, s.ReplacePatient(ctx, "p1", artifacts, chunks, vectors))

	otherArtifacts, otherChunks, otherVectors := fixtureBundle("p2")
	require.NoError(t, s.ReplacePatient(ctx, "p2", otherArtifacts, otherChunks, otherVectors))

	gone, err := s.DeletePatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, metastore.Counts{Artifacts: 2, Chunks: 2}, gone)

	counts, err := s.PatientCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, metastore.Counts{}, counts)

	// The other patient is untouched.
	counts, err = s.PatientCounts(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, metastore.Counts{Artifacts: 2, Chunks: 2}, counts)

	patients, err := s.Patients(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, patients)
}

func TestSQLiteReplaceRejectsVectorMismatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	artifacts, chunks, vectors := fixtureBundle("p1")

	err := s.ReplacePatient(ctx, "p1", artifacts, chunks, vectors[:1])
	require.Error(t, err)

	// Nothing was written.
	counts, err := s.PatientCounts(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, metastore.Counts{}, counts)
}
