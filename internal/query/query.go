// Package query turns raw clinician text into a StructuredQuery: intent,
// clinical entities, temporal window, filters, and weighted expansion terms.
// Everything here is pure and deterministic for a given (text, reference
// time) pair; no stage performs I/O.
package query

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/karte/internal/model"
)

// intentArtifactTypes narrows retrieval to the record kinds an intent asks
// for. Intents without an entry search every kind.
var intentArtifactTypes = map[model.Intent][]model.ArtifactType{
	model.IntentRetrieveMedications: {model.ArtifactMedicationOrder, model.ArtifactNote},
	model.IntentRetrieveCarePlans:   {model.ArtifactCarePlan, model.ArtifactNote},
	model.IntentRetrieveNotes:       {model.ArtifactNote, model.ArtifactDocument},
}

// Understand runs the full query-understanding stage. detailLevel is the
// caller's default (1..5); phrases like "in detail" or "briefly" in the
// query shift it one step.
func Understand(queryText, patientID string, detailLevel int, now time.Time) model.StructuredQuery {
	intent := ClassifyIntent(queryText)
	entities := ExtractEntities(queryText)
	temporal := ParseTemporal(queryText, now)
	expansion := ExpandQuery(queryText, intent, entities)

	filters := model.QueryFilters{}
	if types, ok := intentArtifactTypes[intent]; ok {
		filters.ArtifactTypes = append([]model.ArtifactType(nil), types...)
	}
	if temporal != nil {
		filters.DateRange = &model.TimeRange{From: temporal.DateFrom, To: temporal.DateTo}
	}

	return model.StructuredQuery{
		QueryID:       uuid.New(),
		OriginalQuery: queryText,
		PatientID:     patientID,
		Intent:        intent,
		Entities:      entities,
		Temporal:      temporal,
		Filters:       filters,
		Expansions:    expansion,
		DetailLevel:   adjustDetail(queryText, detailLevel),
	}
}

func adjustDetail(queryText string, base int) int {
	if base < 1 {
		base = 1
	}
	if base > 5 {
		base = 5
	}
	lower := strings.ToLower(queryText)
	switch {
	case strings.Contains(lower, "in detail") || strings.Contains(lower, "detailed") ||
		strings.Contains(lower, "everything about"):
		if base < 5 {
			base++
		}
	case strings.Contains(lower, "brief") || strings.Contains(lower, "quick") ||
		strings.Contains(lower, "short answer"):
		if base > 1 {
			base--
		}
	}
	return base
}
