package model

// HighlightType tags how a highlighted span matched the query.
type HighlightType string

const (
	HighlightExact  HighlightType = "exact"
	HighlightEntity HighlightType = "entity"
	HighlightFuzzy  HighlightType = "fuzzy"
)

// TermHighlight is one matched span inside a chunk's content.
type TermHighlight struct {
	Start int           `json:"start"`
	End   int           `json:"end"`
	Term  string        `json:"term"`
	Type  HighlightType `json:"type"`
}

// ScoreBreakdown keeps every scoring signal a candidate accumulated so the
// audit trail and tests can see how a rank came to be.
type ScoreBreakdown struct {
	Semantic        float64 `json:"semantic,omitempty"`
	Lexical         float64 `json:"lexical,omitempty"`
	Hybrid          float64 `json:"hybrid,omitempty"`
	IntentAffinity  float64 `json:"intent_affinity,omitempty"`
	EntityCoverage  float64 `json:"entity_coverage,omitempty"`
	KeywordMatch    float64 `json:"keyword_match,omitempty"`
	RecencyBoost    float64 `json:"recency_boost,omitempty"`
	QueryOverlap    float64 `json:"query_overlap,omitempty"`
	TypeMatchBonus  float64 `json:"type_match_bonus,omitempty"`
	DiversityFactor float64 `json:"diversity_factor,omitempty"`
	TimeDecayFactor float64 `json:"time_decay_factor,omitempty"`
}

// RetrievalCandidate is one chunk moving through the retrieval pipeline.
// Score is mutated stage by stage; OriginalScore freezes the hybrid score
// before re-ranking so the blend stays inspectable.
type RetrievalCandidate struct {
	Chunk            Chunk           `json:"chunk"`
	Score            float64         `json:"score"`
	Rank             int             `json:"rank"`
	OriginalScore    float64         `json:"original_score,omitempty"`
	Snippet          string          `json:"snippet,omitempty"`
	SnippetHTML      string          `json:"snippet_html,omitempty"`
	Highlights       []TermHighlight `json:"term_highlights,omitempty"`
	ArtifactPosition int             `json:"artifact_position,omitempty"` // 1-indexed within its artifact group
	DaysAgo          float64         `json:"days_ago,omitempty"`
	Breakdown        ScoreBreakdown  `json:"score_breakdown,omitempty"`
}
