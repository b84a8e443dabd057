package retrieval

import (
	"math"

	"github.com/ashita-ai/karte/internal/model"
)

const (
	diversityPenalty = 0.9
	diversityTopK    = 5
)

// diversifyCandidates penalizes repeated draws from one artifact: the n-th
// candidate (1-indexed, in current rank order) of an artifact group keeps
// 0.9^(n-1) of its score. After the global re-sort the top-K window must
// hold at least two distinct artifacts whenever the result set has two.
func diversifyCandidates(cands []model.RetrievalCandidate) {
	position := make(map[string]int)
	for i := range cands {
		c := &cands[i]
		n := position[c.Chunk.ArtifactID] + 1
		position[c.Chunk.ArtifactID] = n

		factor := math.Pow(diversityPenalty, float64(n-1))
		c.ArtifactPosition = n
		c.Breakdown.DiversityFactor = factor
		c.Score *= factor
	}
	sortCandidates(cands)
	promoteSecondArtifact(cands)
	setRanks(cands)
}

// promoteSecondArtifact lifts the best candidate from outside the dominant
// artifact into position K when the whole top-K window collapsed onto a
// single artifact. Everything between slides down one slot.
func promoteSecondArtifact(cands []model.RetrievalCandidate) {
	k := diversityTopK
	if k > len(cands) {
		k = len(cands)
	}
	if k < 1 || len(cands) <= k {
		// The window already is the whole result set; nothing to promote.
		return
	}

	first := cands[0].Chunk.ArtifactID
	for i := 1; i < k; i++ {
		if cands[i].Chunk.ArtifactID != first {
			return
		}
	}
	// Candidates below K are score-ordered, so the first from another
	// artifact is the highest-scoring one.
	for i := k; i < len(cands); i++ {
		if cands[i].Chunk.ArtifactID == first {
			continue
		}
		promoted := cands[i]
		copy(cands[k:i+1], cands[k-1:i])
		cands[k-1] = promoted
		return
	}
}
