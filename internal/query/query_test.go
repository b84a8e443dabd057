package query_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/query"
)

func TestExpandQuery(t *testing.T) {
	t.Run("intent terms exclude words already in the query", func(t *testing.T) {
		got := query.ExpandQuery("What medications is the patient taking?",
			model.IntentRetrieveMedications, nil)

		terms := map[string]float64{}
		for _, e := range got {
			terms[e.Term] = e.Weight
		}
		// "medication" is a substring of "medications" in the query text.
		assert.NotContains(t, terms, "medication")
		assert.Contains(t, terms, "prescription")
		assert.Contains(t, terms, "dosage")
	})

	t.Run("entity synonyms", func(t *testing.T) {
		entities := []model.Entity{
			{Text: "Metformin", Type: model.EntityMedication, Normalized: "metformin", Confidence: 0.9},
		}
		got := query.ExpandQuery("is metformin working", model.IntentUnknown, entities)
		require.Len(t, got, 1)
		assert.Equal(t, "glucophage", got[0].Term)
		assert.InDelta(t, 0.9, got[0].Weight, 1e-9)
	})

	t.Run("weights bounded and sorted descending", func(t *testing.T) {
		entities := query.ExtractEntities("compare htn and diabetes readings")
		got := query.ExpandQuery("compare htn and diabetes readings",
			model.IntentComparison, entities)
		require.NotEmpty(t, got)
		for i, e := range got {
			assert.LessOrEqual(t, e.Weight, 1.0)
			assert.Greater(t, e.Weight, 0.0)
			if i > 0 {
				assert.GreaterOrEqual(t, got[i-1].Weight, e.Weight)
			}
		}
	})

	t.Run("duplicate terms keep the higher weight", func(t *testing.T) {
		// "dosage" arrives from the medications intent at 0.6; a synthetic
		// entity synonym must not lower it.
		entities := []model.Entity{
			{Text: "metformin", Type: model.EntityMedication, Normalized: "metformin", Confidence: 0.9},
		}
		got := query.ExpandQuery("metformin status", model.IntentRetrieveMedications, entities)
		seen := map[string]int{}
		for _, e := range got {
			seen[e.Term]++
		}
		for term, n := range seen {
			assert.Equal(t, 1, n, "term %q appears more than once", term)
		}
	})

	t.Run("unknown intent and no entities expands to nothing", func(t *testing.T) {
		assert.Empty(t, query.ExpandQuery("hello", model.IntentUnknown, nil))
	})
}

func TestUnderstand(t *testing.T) {
	sq := query.Understand("What medications since 2024-01-15?", "patient_1", 3, refNow)

	assert.NotEqual(t, uuid.Nil, sq.QueryID)
	assert.Equal(t, "What medications since 2024-01-15?", sq.OriginalQuery)
	assert.Equal(t, "patient_1", sq.PatientID)
	assert.Equal(t, model.IntentRetrieveMedications, sq.Intent)
	assert.Equal(t, 3, sq.DetailLevel)

	require.NotNil(t, sq.Temporal)
	assert.Equal(t, "since 2024-01-15", sq.Temporal.TimeReference)
	require.NotNil(t, sq.Filters.DateRange)
	assert.Equal(t, sq.Temporal.DateFrom, sq.Filters.DateRange.From)
	assert.Equal(t, sq.Temporal.DateTo, sq.Filters.DateRange.To)

	assert.Equal(t,
		[]model.ArtifactType{model.ArtifactMedicationOrder, model.ArtifactNote},
		sq.Filters.ArtifactTypes)
	assert.NotEmpty(t, sq.Expansions)
}

func TestUnderstandNoFilters(t *testing.T) {
	sq := query.Understand("summarize this patient", "patient_1", 3, refNow)

	assert.Equal(t, model.IntentSummary, sq.Intent)
	assert.Nil(t, sq.Temporal)
	assert.Nil(t, sq.Filters.DateRange)
	assert.Empty(t, sq.Filters.ArtifactTypes)
}

func TestUnderstandDetailAdjustment(t *testing.T) {
	tests := []struct {
		name string
		text string
		base int
		want int
	}{
		{"detailed bumps up", "show the care plan in detail", 3, 4},
		{"brief bumps down", "brief medication overview", 3, 2},
		{"capped at five", "everything in detail please", 5, 5},
		{"floored at one", "quick check", 1, 1},
		{"out of range base clamps", "medication list", 9, 5},
		{"neutral unchanged", "medication list", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sq := query.Understand(tt.text, "p", tt.base, refNow)
			assert.Equal(t, tt.want, sq.DetailLevel)
		})
	}
}
