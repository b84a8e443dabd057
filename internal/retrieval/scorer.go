package retrieval

import (
	"math"
	"time"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/query"
)

// typeAffinity maps each intent to its preferred artifact types. Types
// absent from an intent's row fall back to the neutral defaultAffinity.
// The same table serves the scorer's intent affinity and the re-ranker's
// type match bonus.
var typeAffinity = map[model.Intent]map[model.ArtifactType]float64{
	model.IntentRetrieveMedications: {
		model.ArtifactMedicationOrder: 1.0,
		model.ArtifactNote:            0.6,
	},
	model.IntentRetrieveCarePlans: {
		model.ArtifactCarePlan: 1.0,
		model.ArtifactNote:     0.6,
	},
	model.IntentRetrieveNotes: {
		model.ArtifactNote:     1.0,
		model.ArtifactDocument: 0.6,
	},
	model.IntentSummary: {
		model.ArtifactNote:            0.8,
		model.ArtifactCarePlan:        0.7,
		model.ArtifactMedicationOrder: 0.7,
	},
	model.IntentComparison: {
		model.ArtifactNote:           0.8,
		model.ArtifactLabObservation: 0.7,
		model.ArtifactVital:          0.7,
	},
}

const defaultAffinity = 0.3

func typeMatchBonus(intent model.Intent, t model.ArtifactType) float64 {
	if row, ok := typeAffinity[intent]; ok {
		if v, ok := row[t]; ok {
			return v
		}
	}
	return defaultAffinity
}

// scoreWeights is one intent's blend of the five scoring signals. Each row
// sums to 1.0 so the blended score stays in [0,1].
type scoreWeights struct {
	hybrid   float64
	affinity float64
	entity   float64
	keyword  float64
	recency  float64
}

var defaultWeights = scoreWeights{hybrid: 0.55, affinity: 0.10, entity: 0.15, keyword: 0.12, recency: 0.08}

var intentWeights = map[model.Intent]scoreWeights{
	model.IntentRetrieveMedications: {hybrid: 0.50, affinity: 0.20, entity: 0.12, keyword: 0.10, recency: 0.08},
	model.IntentRetrieveCarePlans:   {hybrid: 0.50, affinity: 0.20, entity: 0.12, keyword: 0.10, recency: 0.08},
	model.IntentRetrieveNotes:       {hybrid: 0.50, affinity: 0.20, entity: 0.12, keyword: 0.10, recency: 0.08},
	model.IntentSummary:             {hybrid: 0.60, affinity: 0.05, entity: 0.12, keyword: 0.10, recency: 0.13},
	model.IntentComparison:          {hybrid: 0.55, affinity: 0.05, entity: 0.20, keyword: 0.12, recency: 0.08},
}

// scoreContext carries the per-request inputs shared by the pure ranking
// stages so none of them re-tokenizes anything.
type scoreContext struct {
	sq          model.StructuredQuery
	now         time.Time
	docs        map[string]tokenDoc
	queryTokens []string
}

func newScoreContext(sq model.StructuredQuery, now time.Time, docs map[string]tokenDoc) scoreContext {
	return scoreContext{
		sq:          sq,
		now:         now,
		docs:        docs,
		queryTokens: uniqueTokens(query.ContentTokens(sq.OriginalQuery)),
	}
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// entityCoverage is the fraction of query entities whose normalized form
// occurs in the doc. A query without entities counts as fully covered.
func (sc scoreContext) entityCoverage(doc tokenDoc) float64 {
	if len(sc.sq.Entities) == 0 {
		return 1.0
	}
	hit := 0
	for _, e := range sc.sq.Entities {
		words := query.Tokenize(e.Normalized)
		if len(words) == 0 {
			continue
		}
		for i := 0; i+len(words) <= len(doc.tokens); i++ {
			if doc.matchesAt(i, words) {
				hit++
				break
			}
		}
	}
	return float64(hit) / float64(len(sc.sq.Entities))
}

// queryOverlap is |query_tokens ∩ content_tokens| / |query_tokens| over
// unique stopword-filtered query tokens.
func (sc scoreContext) queryOverlap(doc tokenDoc) float64 {
	if len(sc.queryTokens) == 0 {
		return 0
	}
	present := make(map[string]bool, len(doc.tokens))
	for _, t := range doc.tokens {
		present[t] = true
	}
	hit := 0
	for _, t := range sc.queryTokens {
		if present[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(sc.queryTokens))
}

// recencyBoost decays on a one-year scale. This is the soft scoring signal;
// the hard time-decay stage later applies the per-day factor.
func (sc scoreContext) recencyBoost(occurredAt time.Time) float64 {
	days := sc.now.Sub(occurredAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days / 365)
}

// scoreCandidates blends the five signals into each candidate's Score using
// the intent's fixed weights. The hybrid component is clamped to [0,1]; a
// negative cosine carries no ranking signal here. Candidates are mutated in
// place and re-sorted by the caller.
func scoreCandidates(cands []model.RetrievalCandidate, sc scoreContext) {
	w, ok := intentWeights[sc.sq.Intent]
	if !ok {
		w = defaultWeights
	}
	for i := range cands {
		c := &cands[i]
		doc := sc.docs[c.Chunk.ChunkID]

		hybrid := clamp01(c.Breakdown.Hybrid)
		affinity := typeMatchBonus(sc.sq.Intent, c.Chunk.Type)
		entity := sc.entityCoverage(doc)
		keyword := sc.queryOverlap(doc)
		recency := sc.recencyBoost(c.Chunk.OccurredAt)

		c.Breakdown.IntentAffinity = affinity
		c.Breakdown.EntityCoverage = entity
		c.Breakdown.KeywordMatch = keyword
		c.Breakdown.QueryOverlap = keyword
		c.Breakdown.RecencyBoost = recency

		c.Score = w.hybrid*hybrid + w.affinity*affinity + w.entity*entity +
			w.keyword*keyword + w.recency*recency
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
