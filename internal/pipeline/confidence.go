package pipeline

import (
	"fmt"

	"github.com/ashita-ai/karte/internal/model"
)

// Confidence blend weights. Coverage dominates: an answer whose citations
// mostly failed validation cannot be trusted no matter how well retrieval
// scored.
const (
	confWeightCoverage  = 0.5
	confWeightRetrieval = 0.3
	confWeightDiversity = 0.2

	// diversityCap is the unique-artifact count past which more sources
	// stop raising confidence.
	diversityCap = 3
)

// ScoreConfidence combines citation coverage, the mean retrieval score of
// cited chunks, and source diversity into one [0,1] score with the fixed
// label thresholds. produced is how many extractions the generator emitted
// before validation.
func ScoreConfidence(produced int, kept []model.Extraction, cands []model.RetrievalCandidate) model.Confidence {
	if produced == 0 || len(kept) == 0 {
		return model.Confidence{
			Score:  0,
			Label:  model.ConfidenceLow,
			Reason: "no validated extractions",
		}
	}

	coverage := float64(len(kept)) / float64(produced)

	scores := make(map[string]float64, len(cands))
	artifacts := make(map[string]string, len(cands))
	for _, c := range cands {
		scores[c.Chunk.ChunkID] = c.Score
		artifacts[c.Chunk.ChunkID] = c.Chunk.ArtifactID
	}

	var retrievalSum float64
	cited := make(map[string]bool)
	for _, ex := range kept {
		retrievalSum += clamp01(scores[ex.Provenance.ChunkID])
		if a := artifacts[ex.Provenance.ChunkID]; a != "" {
			cited[a] = true
		}
	}
	retrieval := retrievalSum / float64(len(kept))

	diversity := float64(len(cited)) / diversityCap
	if diversity > 1 {
		diversity = 1
	}

	score := confWeightCoverage*coverage + confWeightRetrieval*retrieval + confWeightDiversity*diversity
	return model.Confidence{
		Score: score,
		Label: model.LabelForScore(score),
		Reason: fmt.Sprintf("%d/%d extractions validated, mean retrieval score %.2f, %d source artifact(s)",
			len(kept), produced, retrieval, len(cited)),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
