package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/karte/internal/model"
)

func TestScoreConfidenceNoExtractions(t *testing.T) {
	conf := ScoreConfidence(0, nil, nil)
	assert.Equal(t, model.ConfidenceLow, conf.Label)
	assert.Zero(t, conf.Score)

	conf = ScoreConfidence(2, nil, nil)
	assert.Equal(t, model.ConfidenceLow, conf.Label)
}

func TestScoreConfidenceFullCoverageHighRetrieval(t *testing.T) {
	ex := metforminExtraction(t)
	cand := metforminCandidate(0.95)

	conf := ScoreConfidence(1, []model.Extraction{ex}, []model.RetrievalCandidate{cand})
	// coverage 1.0, retrieval 0.95, diversity 1/3.
	want := 0.5*1.0 + 0.3*0.95 + 0.2*(1.0/3.0)
	assert.InDelta(t, want, conf.Score, 1e-9)
	assert.Equal(t, model.ConfidenceHigh, conf.Label)
	assert.Contains(t, conf.Reason, "1/1 extractions validated")
}

func TestScoreConfidenceHalfCoverageIsLower(t *testing.T) {
	ex := metforminExtraction(t)
	cand := metforminCandidate(0.95)

	full := ScoreConfidence(1, []model.Extraction{ex}, []model.RetrievalCandidate{cand})
	half := ScoreConfidence(2, []model.Extraction{ex}, []model.RetrievalCandidate{cand})
	assert.Less(t, half.Score, full.Score)
}

func TestScoreConfidenceDiversityCaps(t *testing.T) {
	var kept []model.Extraction
	var cands []model.RetrievalCandidate
	for _, artifact := range []string{"a1", "a2", "a3", "a4", "a5"} {
		chunkID := artifact + ":0"
		cands = append(cands, model.RetrievalCandidate{
			Chunk: model.Chunk{ChunkID: chunkID, ArtifactID: artifact, Content: "text"},
			Score: 0.8,
		})
		kept = append(kept, model.Extraction{
			Type:    model.ExtractionGeneral,
			Content: model.GeneralContent{Fields: map[string]string{"note": "text"}},
			Provenance: &model.Provenance{
				ArtifactID: artifact, ChunkID: chunkID,
				Offsets: model.CharRange{Start: 0, End: 4}, SupportingText: "text",
			},
		})
	}

	conf := ScoreConfidence(5, kept, cands)
	// Diversity term saturates at 1.0 with >= 3 distinct artifacts.
	want := 0.5*1.0 + 0.3*0.8 + 0.2*1.0
	assert.InDelta(t, want, conf.Score, 1e-9)
}

func TestLabelThresholds(t *testing.T) {
	assert.Equal(t, model.ConfidenceHigh, model.LabelForScore(0.75))
	assert.Equal(t, model.ConfidenceMedium, model.LabelForScore(0.74))
	assert.Equal(t, model.ConfidenceMedium, model.LabelForScore(0.5))
	assert.Equal(t, model.ConfidenceLow, model.LabelForScore(0.49))
}
