package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

const noteContent = "Patient prescribed Metformin 500mg twice daily for Type 2 Diabetes management."

func metforminChunk() model.Chunk {
	return model.Chunk{
		ChunkID:    "note_123:0",
		ArtifactID: "note_123",
		PatientID:  "p1",
		Type:       model.ArtifactNote,
		OccurredAt: time.Now().UTC().Add(-48 * time.Hour),
		Content:    noteContent,
		Offsets:    model.CharRange{Start: 0, End: len(noteContent)},
	}
}

func metforminCandidate(score float64) model.RetrievalCandidate {
	return model.RetrievalCandidate{Chunk: metforminChunk(), Score: score, Rank: 1}
}

func metforminExtraction(t *testing.T) model.Extraction {
	t.Helper()
	start := strings.Index(noteContent, "Metformin")
	end := start + len("Metformin 500mg twice daily")
	return model.Extraction{
		Type: model.ExtractionMedication,
		Content: model.MedicationContent{
			Medication: "Metformin",
			Dosage:     "500mg",
			Frequency:  "twice daily",
		},
		Provenance: &model.Provenance{
			ArtifactID:     "note_123",
			ChunkID:        "note_123:0",
			Offsets:        model.CharRange{Start: start, End: end},
			SupportingText: noteContent[start:end],
		},
	}
}

func TestValidateCitationsExactMatch(t *testing.T) {
	res := ValidateCitations(
		[]model.Extraction{metforminExtraction(t)},
		[]model.RetrievalCandidate{metforminCandidate(0.9)},
	)
	assert.True(t, res.Valid)
	assert.Len(t, res.Kept, 1)
	assert.Empty(t, res.Issues)
}

func TestValidateCitationsMissingProvenance(t *testing.T) {
	ex := metforminExtraction(t)
	ex.Provenance = nil
	res := ValidateCitations([]model.Extraction{ex}, []model.RetrievalCandidate{metforminCandidate(0.9)})

	assert.False(t, res.Valid)
	assert.Empty(t, res.Kept)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueMissingProvenance, res.Issues[0].Code)
	assert.False(t, res.Issues[0].Warning)
}

func TestValidateCitationsUnknownChunk(t *testing.T) {
	ex := metforminExtraction(t)
	ex.Provenance.ChunkID = "note_999:0"
	res := ValidateCitations([]model.Extraction{ex}, []model.RetrievalCandidate{metforminCandidate(0.9)})

	assert.False(t, res.Valid)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueInvalidArtifactID, res.Issues[0].Code)
}

func TestValidateCitationsArtifactMismatch(t *testing.T) {
	ex := metforminExtraction(t)
	ex.Provenance.ArtifactID = "note_999"
	res := ValidateCitations([]model.Extraction{ex}, []model.RetrievalCandidate{metforminCandidate(0.9)})

	assert.False(t, res.Valid)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueInvalidArtifactID, res.Issues[0].Code)
}

func TestValidateCitationsOffsetsOutOfRange(t *testing.T) {
	for _, offsets := range []model.CharRange{
		{Start: -1, End: 10},
		{Start: 10, End: 10},
		{Start: 20, End: 10},
		{Start: 0, End: len(noteContent) + 1},
	} {
		ex := metforminExtraction(t)
		ex.Provenance.Offsets = offsets
		res := ValidateCitations([]model.Extraction{ex}, []model.RetrievalCandidate{metforminCandidate(0.9)})
		assert.False(t, res.Valid, "offsets %+v", offsets)
		require.Len(t, res.Issues, 1)
		assert.Equal(t, IssueInvalidOffsets, res.Issues[0].Code)
	}
}

func TestValidateCitationsTamperedText(t *testing.T) {
	ex := metforminExtraction(t)
	ex.Provenance.SupportingText = "WRONG"
	res := ValidateCitations([]model.Extraction{ex}, []model.RetrievalCandidate{metforminCandidate(0.9)})

	assert.False(t, res.Valid)
	assert.Empty(t, res.Kept)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueTextMismatch, res.Issues[0].Code)
}

func TestValidateCitationsWhitespaceMismatchIsWarning(t *testing.T) {
	ex := metforminExtraction(t)
	ex.Provenance.SupportingText = "Metformin  500mg   twice daily"
	res := ValidateCitations([]model.Extraction{ex}, []model.RetrievalCandidate{metforminCandidate(0.9)})

	assert.True(t, res.Valid)
	assert.Len(t, res.Kept, 1)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueWhitespaceMismatch, res.Issues[0].Code)
	assert.True(t, res.Issues[0].Warning)
}

func TestValidateCitationsCaseMismatchIsWarning(t *testing.T) {
	ex := metforminExtraction(t)
	ex.Provenance.SupportingText = "metformin 500mg twice daily"
	res := ValidateCitations([]model.Extraction{ex}, []model.RetrievalCandidate{metforminCandidate(0.9)})

	assert.True(t, res.Valid)
	assert.Len(t, res.Kept, 1)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, IssueCaseMismatch, res.Issues[0].Code)
	assert.True(t, res.Issues[0].Warning)
}

func TestValidateCitationsMixedKeepsGood(t *testing.T) {
	good := metforminExtraction(t)
	bad := metforminExtraction(t)
	bad.Provenance.SupportingText = "WRONG"

	res := ValidateCitations([]model.Extraction{good, bad}, []model.RetrievalCandidate{metforminCandidate(0.9)})
	assert.False(t, res.Valid)
	assert.Len(t, res.Kept, 1)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, 1, res.Issues[0].Index)
}
