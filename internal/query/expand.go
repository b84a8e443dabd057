package query

import (
	"sort"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// intentExpansions adds the vocabulary a record of the wanted kind tends to
// use, weighted below 1.0 so original query terms always dominate.
var intentExpansions = map[model.Intent][]model.ExpansionTerm{
	model.IntentRetrieveMedications: {
		{Term: "medication", Weight: 0.8},
		{Term: "prescription", Weight: 0.7},
		{Term: "dosage", Weight: 0.6},
		{Term: "dose", Weight: 0.6},
		{Term: "refill", Weight: 0.5},
	},
	model.IntentRetrieveCarePlans: {
		{Term: "care plan", Weight: 0.8},
		{Term: "treatment plan", Weight: 0.7},
		{Term: "goal", Weight: 0.5},
		{Term: "follow up", Weight: 0.5},
	},
	model.IntentRetrieveNotes: {
		{Term: "note", Weight: 0.8},
		{Term: "visit", Weight: 0.6},
		{Term: "assessment", Weight: 0.6},
		{Term: "encounter", Weight: 0.5},
	},
	model.IntentSummary: {
		{Term: "history", Weight: 0.6},
		{Term: "overview", Weight: 0.5},
	},
	model.IntentComparison: {
		{Term: "change", Weight: 0.6},
		{Term: "previous", Weight: 0.5},
		{Term: "trend", Weight: 0.5},
	},
}

// entitySynonyms maps a normalized entity to near-equivalent clinical terms.
var entitySynonyms = map[string][]model.ExpansionTerm{
	"hypertension": {
		{Term: "high blood pressure", Weight: 0.9},
		{Term: "elevated blood pressure", Weight: 0.7},
	},
	"diabet": {
		{Term: "blood sugar", Weight: 0.7},
		{Term: "glucose", Weight: 0.7},
		{Term: "a1c", Weight: 0.6},
	},
	"type 2 diabet": {
		{Term: "blood sugar", Weight: 0.7},
		{Term: "glucose", Weight: 0.7},
		{Term: "a1c", Weight: 0.6},
	},
	"metformin": {
		{Term: "glucophage", Weight: 0.9},
	},
	"atorvastatin": {
		{Term: "lipitor", Weight: 0.9},
	},
	"lisinopril": {
		{Term: "zestril", Weight: 0.9},
	},
	"hyperlipidemia": {
		{Term: "high cholesterol", Weight: 0.9},
		{Term: "lipid", Weight: 0.6},
	},
	"shortness of breath": {
		{Term: "dyspnea", Weight: 0.9},
		{Term: "breathing difficulty", Weight: 0.7},
	},
	"short of breath": {
		{Term: "dyspnea", Weight: 0.9},
		{Term: "breathing difficulty", Weight: 0.7},
	},
	"chest pain": {
		{Term: "angina", Weight: 0.8},
	},
	"pain": {
		{Term: "discomfort", Weight: 0.6},
		{Term: "ache", Weight: 0.6},
	},
	"fatigue": {
		{Term: "tiredness", Weight: 0.8},
		{Term: "exhaustion", Weight: 0.7},
	},
}

// ExpandQuery produces weighted synonym terms from the classified intent and
// extracted entities. Terms already present in the query are skipped, as are
// duplicates across sources (the higher weight wins). Output is sorted by
// weight descending, then term, so expansion is deterministic.
func ExpandQuery(queryText string, intent model.Intent, entities []model.Entity) []model.ExpansionTerm {
	lower := strings.ToLower(queryText)
	byTerm := map[string]float64{}

	add := func(terms []model.ExpansionTerm) {
		for _, t := range terms {
			if strings.Contains(lower, t.Term) {
				continue
			}
			if w, ok := byTerm[t.Term]; !ok || t.Weight > w {
				byTerm[t.Term] = t.Weight
			}
		}
	}

	add(intentExpansions[intent])
	for _, e := range entities {
		add(entitySynonyms[e.Normalized])
	}

	out := make([]model.ExpansionTerm, 0, len(byTerm))
	for term, w := range byTerm {
		out = append(out, model.ExpansionTerm{Term: term, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Term < out[j].Term
	})
	return out
}
