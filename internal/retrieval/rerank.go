package retrieval

import (
	"sort"

	"github.com/ashita-ai/karte/internal/model"
)

const (
	rerankDepth          = 20
	rerankOriginalWeight = 0.70
	rerankEntityWeight   = 0.15
	rerankOverlapWeight  = 0.10
	rerankTypeWeight     = 0.05
)

// rerankCandidates rescores the top rerankDepth candidates and re-sorts
// that segment; anything past the depth keeps its position. OriginalScore
// freezes the pre-rerank score for the breakdown.
func rerankCandidates(cands []model.RetrievalCandidate, sc scoreContext) {
	depth := len(cands)
	if depth > rerankDepth {
		depth = rerankDepth
	}
	for i := 0; i < depth; i++ {
		c := &cands[i]
		doc := sc.docs[c.Chunk.ChunkID]

		entity := sc.entityCoverage(doc)
		overlap := sc.queryOverlap(doc)
		bonus := typeMatchBonus(sc.sq.Intent, c.Chunk.Type)

		c.OriginalScore = c.Score
		c.Breakdown.EntityCoverage = entity
		c.Breakdown.QueryOverlap = overlap
		c.Breakdown.TypeMatchBonus = bonus
		c.Score = rerankOriginalWeight*c.Score +
			rerankEntityWeight*entity +
			rerankOverlapWeight*overlap +
			rerankTypeWeight*bonus
	}
	sortCandidates(cands[:depth])
	setRanks(cands)
}

// sortCandidates orders by score descending with chunk id as the
// deterministic tie-break.
func sortCandidates(cands []model.RetrievalCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Chunk.ChunkID < cands[j].Chunk.ChunkID
	})
}

func setRanks(cands []model.RetrievalCandidate) {
	for i := range cands {
		cands[i].Rank = i + 1
	}
}
