package model

import (
	"time"

	"github.com/google/uuid"
)

// Intent is the coarse classification of what a clinician query asks for.
type Intent string

const (
	IntentRetrieveMedications Intent = "RETRIEVE_MEDICATIONS"
	IntentRetrieveCarePlans   Intent = "RETRIEVE_CARE_PLANS"
	IntentRetrieveNotes       Intent = "RETRIEVE_NOTES"
	IntentRetrieveAll         Intent = "RETRIEVE_ALL"
	IntentSummary             Intent = "SUMMARY"
	IntentComparison          Intent = "COMPARISON"
	IntentUnknown             Intent = "UNKNOWN"
)

// EntityType tags a clinical entity recognized in a query.
type EntityType string

const (
	EntityMedication EntityType = "medication"
	EntityCondition  EntityType = "condition"
	EntitySymptom    EntityType = "symptom"
	EntityDate       EntityType = "date"
	EntityPerson     EntityType = "person"
)

// Entity is one clinical term recognized in the query text. Normalized holds
// the lowercased, abbreviation-expanded, de-inflected form used for matching.
type Entity struct {
	Text       string     `json:"text"`
	Type       EntityType `json:"type"`
	Normalized string     `json:"normalized"`
	Confidence float64    `json:"confidence"`
	Position   *CharRange `json:"position,omitempty"`
}

// TemporalFilter is the parsed time constraint of a query. From and To are
// inclusive on both sides; nil means unbounded on that side.
type TemporalFilter struct {
	TimeReference string     `json:"time_reference"`
	DateFrom      *time.Time `json:"date_from,omitempty"`
	DateTo        *time.Time `json:"date_to,omitempty"`
}

// TimeRange is an inclusive [From,To] date window used by metadata filters.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// QueryFilters narrows retrieval before any scoring happens.
type QueryFilters struct {
	ArtifactTypes []ArtifactType `json:"artifact_types,omitempty"`
	DateRange     *TimeRange     `json:"date_range,omitempty"`
	Author        string         `json:"author,omitempty"`
}

// ExpansionTerm is a synonym added by the query expander. Weight (≤1.0)
// scales its contribution to the lexical score.
type ExpansionTerm struct {
	Term   string  `json:"term"`
	Weight float64 `json:"weight"`
}

// StructuredQuery is the output of query understanding: everything the
// retrieval pipeline needs, and nothing that requires re-parsing the
// original text. Pure value, deterministic for a given (query, reference
// time) pair.
type StructuredQuery struct {
	QueryID       uuid.UUID       `json:"query_id"`
	OriginalQuery string          `json:"original_query"`
	PatientID     string          `json:"patient_id"`
	Intent        Intent          `json:"intent"`
	Entities      []Entity        `json:"entities"`
	Temporal      *TemporalFilter `json:"temporal_filter,omitempty"`
	Filters       QueryFilters    `json:"filters"`
	Expansions    []ExpansionTerm `json:"expansions,omitempty"`
	DetailLevel   int             `json:"detail_level"` // 1..5
}

// PagedResult wraps paginated list results.
type PagedResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
