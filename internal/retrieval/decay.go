package retrieval

import (
	"math"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// decayRate is the per-day exponential decay constant. A 90-day-old chunk
// keeps exp(-0.9) ≈ 0.407 of its score.
const decayRate = 0.01

// applyTimeDecay multiplies each score by exp(-decayRate * days_ago) and
// re-sorts. days_ago is measured against the request start; future
// occurred_at values clamp to zero so clock skew in source records never
// boosts a score.
func applyTimeDecay(cands []model.RetrievalCandidate, now time.Time) {
	for i := range cands {
		c := &cands[i]
		days := now.Sub(c.Chunk.OccurredAt).Hours() / 24
		if days < 0 {
			days = 0
		}
		factor := math.Exp(-decayRate * days)
		c.DaysAgo = days
		c.Breakdown.TimeDecayFactor = factor
		c.Score *= factor
	}
	sortCandidates(cands)
	setRanks(cands)
}
