package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/uuid"

	"github.com/ashita-ai/karte/internal/model"
)

func TestPartialResponseRetrievalOnlyFallback(t *testing.T) {
	now := time.Now().UTC()
	state := newRequestState(now)
	sq := structuredQuery(model.IntentRetrieveMedications)
	sq.QueryID = uuid.New()
	state.structured = &sq
	state.failed = StageGeneration

	for i := range 4 {
		c := metforminCandidate(0.9 - float64(i)*0.1)
		c.Chunk.ChunkID = c.Chunk.ArtifactID + ":" + string(rune('0'+i))
		c.Snippet = "Patient prescribed Metformin 500mg twice daily"
		state.candidates = append(state.candidates, c)
	}

	resp := partialResponse(state, model.KindDeadlineExceeded, now)
	assert.Equal(t, sq.QueryID, resp.QueryID)
	assert.True(t, resp.Metadata.Partial)
	assert.Equal(t, model.KindDeadlineExceeded, resp.Metadata.Error)
	assert.Equal(t, model.ConfidenceLow, resp.Confidence.Label)
	assert.Contains(t, resp.ShortAnswer, "Showing supporting snippets")
	// Top 3 candidates become the summary bullets and the provenance list.
	assert.Equal(t, 3, len(resp.Provenance))
	assert.Equal(t, 3, strings.Count(resp.DetailedSummary, "- "))
	assert.Empty(t, resp.Extractions)
}

func TestPartialResponseValidatedExtractionsBeatSnippets(t *testing.T) {
	now := time.Now().UTC()
	state := newRequestState(now)
	sq := structuredQuery(model.IntentRetrieveMedications)
	state.structured = &sq
	state.failed = StageConfidenceScoring
	state.candidates = []model.RetrievalCandidate{metforminCandidate(0.9)}
	state.validated = []model.Extraction{metforminExtraction(t)}

	resp := partialResponse(state, model.KindInternal, now)
	require.Len(t, resp.Extractions, 1)
	require.Len(t, resp.Provenance, 1)
	assert.Equal(t, "note_123", resp.Provenance[0].ArtifactID)
}

func TestPartialResponseGeneratedAnswerRichest(t *testing.T) {
	now := time.Now().UTC()
	state := newRequestState(now)
	sq := structuredQuery(model.IntentRetrieveMedications)
	state.structured = &sq
	state.failed = StageProvenanceFormat
	state.candidates = []model.RetrievalCandidate{metforminCandidate(0.9)}
	state.validated = []model.Extraction{metforminExtraction(t)}
	state.generated = &GeneratorOutput{
		ShortAnswer:     "Metformin 500mg twice daily.",
		DetailedSummary: "The note records Metformin.",
	}
	conf := model.Confidence{Score: 0.8, Label: model.ConfidenceHigh}
	state.confidence = &conf

	resp := partialResponse(state, model.KindInternal, now)
	assert.Equal(t, "Metformin 500mg twice daily.", resp.ShortAnswer)
	assert.Equal(t, model.ConfidenceHigh, resp.Confidence.Label)
	assert.True(t, resp.Metadata.Partial)
}

func TestPartialResponseStructuredQueryOnly(t *testing.T) {
	now := time.Now().UTC()
	state := newRequestState(now)
	sq := structuredQuery(model.IntentRetrieveMedications)
	state.structured = &sq
	state.failed = StageRetrieval

	resp := partialResponse(state, model.KindVectorIndex, now)
	assert.Contains(t, resp.ShortAnswer, "Unable to search")
	assert.Contains(t, resp.DetailedSummary, "retrieve_medications")
	assert.Empty(t, resp.Provenance)
}

func TestPartialResponseNoResults(t *testing.T) {
	now := time.Now().UTC()
	state := newRequestState(now)
	sq := structuredQuery(model.IntentRetrieveMedications)
	state.structured = &sq

	resp := partialResponse(state, model.KindNoResults, now)
	assert.Equal(t, "No matching records.", resp.ShortAnswer)
	assert.False(t, resp.Metadata.Partial)
	assert.Equal(t, model.KindNoResults, resp.Metadata.Error)
	assert.Equal(t, model.ConfidenceLow, resp.Confidence.Label)
}

func TestPartialResponseNothingAvailable(t *testing.T) {
	now := time.Now().UTC()
	state := newRequestState(now)
	state.failed = StageQueryUnderstanding

	resp := partialResponse(state, model.KindInternal, now)
	assert.Contains(t, resp.ShortAnswer, "rephrase")
	assert.True(t, resp.Metadata.Partial)
}
