package model

import (
	"github.com/google/uuid"
)

// ConfidenceLabel buckets a confidence score for display.
type ConfidenceLabel string

const (
	ConfidenceHigh   ConfidenceLabel = "high"
	ConfidenceMedium ConfidenceLabel = "medium"
	ConfidenceLow    ConfidenceLabel = "low"
)

// LabelForScore applies the fixed thresholds: high ≥ 0.75, medium ≥ 0.5.
func LabelForScore(score float64) ConfidenceLabel {
	switch {
	case score >= 0.75:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Confidence is the scored trust level of a response, with the reason the
// scorer assigned it.
type Confidence struct {
	Score  float64         `json:"score"`
	Label  ConfidenceLabel `json:"label"`
	Reason string          `json:"reason,omitempty"`
}

// ProvenanceRef is one formatted citation shown to the clinician.
type ProvenanceRef struct {
	ArtifactID     string       `json:"artifact_id"`
	ArtifactType   ArtifactType `json:"artifact_type"`
	NoteDate       string       `json:"note_date"`
	Author         string       `json:"author,omitempty"`
	Snippet        string       `json:"snippet"`
	RelevanceScore float64      `json:"relevance_score"`
	SourceURL      string       `json:"source_url,omitempty"`
}

// ResponseMetadata carries pipeline timing and failure detail for a response.
// PerStageMS keys are stage names; Partial marks fallback responses.
type ResponseMetadata struct {
	TotalTimeMS int64            `json:"total_time_ms"`
	PerStageMS  map[string]int64 `json:"per_stage_ms,omitempty"`
	Partial     bool             `json:"partial,omitempty"`
	Error       Kind             `json:"error,omitempty"`
	Cached      bool             `json:"cached,omitempty"`
}

// UIResponse is the single shape every query returns, complete or partial.
type UIResponse struct {
	QueryID         uuid.UUID        `json:"query_id"`
	ShortAnswer     string           `json:"short_answer"`
	DetailedSummary string           `json:"detailed_summary,omitempty"`
	Extractions     []Extraction     `json:"structured_extractions"`
	Provenance      []ProvenanceRef  `json:"provenance"`
	Confidence      Confidence       `json:"confidence"`
	Metadata        ResponseMetadata `json:"metadata"`
}
