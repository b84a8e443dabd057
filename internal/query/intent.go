package query

import (
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// intentPriority is the tie-break order when several intents score equally.
// Earlier wins.
var intentPriority = []model.Intent{
	model.IntentRetrieveMedications,
	model.IntentRetrieveCarePlans,
	model.IntentRetrieveNotes,
	model.IntentSummary,
	model.IntentComparison,
	model.IntentRetrieveAll,
	model.IntentUnknown,
}

// intentKeywords maps each intent to the phrases that vote for it. Phrases
// are matched against the lowercased query; multi-word phrases match as
// substrings, single words as whole tokens.
var intentKeywords = map[model.Intent][]string{
	model.IntentRetrieveMedications: {
		"medication", "medications", "med", "meds", "drug", "drugs",
		"prescription", "prescriptions", "prescribed", "prescribe",
		"dose", "dosage", "taking", "pill", "pills", "refill",
	},
	model.IntentRetrieveCarePlans: {
		"care plan", "care plans", "plan of care", "treatment plan",
		"goal", "goals", "intervention", "interventions", "regimen",
	},
	model.IntentRetrieveNotes: {
		"note", "notes", "progress note", "visit", "visits", "encounter",
		"encounters", "documentation", "charted", "wrote",
	},
	model.IntentSummary: {
		"summary", "summarize", "summarise", "overview", "history",
		"tell me about", "status", "overall",
	},
	model.IntentComparison: {
		"compare", "comparison", "difference", "changed", "change",
		"versus", "vs", "trend", "over time", "before and after",
	},
	model.IntentRetrieveAll: {
		"everything", "all records", "full record", "any records",
		"records", "anything",
	},
}

// ClassifyIntent scores each intent by keyword votes over the query text and
// returns the winner; ties fall to the fixed priority order. A query with no
// keyword hits is UNKNOWN.
func ClassifyIntent(queryText string) model.Intent {
	lower := strings.ToLower(queryText)
	tokens := tokenSet(lower)

	best := model.IntentUnknown
	bestScore := 0
	for _, intent := range intentPriority {
		score := 0
		for _, kw := range intentKeywords[intent] {
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					score++
				}
			} else if tokens[kw] {
				score++
			}
		}
		// Strictly-greater keeps the priority order authoritative on ties.
		if score > bestScore {
			best = intent
			bestScore = score
		}
	}
	return best
}

// tokenSet lowercases and splits on non-alphanumeric runs.
func tokenSet(lower string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(lower) {
		set[tok] = true
	}
	return set
}
