package query_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
	"github.com/ashita-ai/karte/internal/query"
)

func TestExtractEntities(t *testing.T) {
	t.Run("medication and condition", func(t *testing.T) {
		got := query.ExtractEntities("Is the patient taking Metformin for type 2 diabetes?")
		require.Len(t, got, 2)

		assert.Equal(t, "Metformin", got[0].Text)
		assert.Equal(t, model.EntityMedication, got[0].Type)
		assert.Equal(t, "metformin", got[0].Normalized)
		assert.InDelta(t, 0.9, got[0].Confidence, 1e-9)
		require.NotNil(t, got[0].Position)
		assert.Equal(t, "Metformin", "Is the patient taking Metformin for type 2 diabetes?"[got[0].Position.Start:got[0].Position.End])

		// "type 2 diabetes" and "diabetes" overlap at equal confidence;
		// the longer span survives.
		assert.Equal(t, "type 2 diabetes", got[1].Text)
		assert.Equal(t, model.EntityCondition, got[1].Type)
	})

	t.Run("abbreviation normalizes to full form", func(t *testing.T) {
		got := query.ExtractEntities("htn follow up")
		require.Len(t, got, 1)
		assert.Equal(t, "htn", got[0].Text)
		assert.Equal(t, model.EntityCondition, got[0].Type)
		assert.Equal(t, "hypertension", got[0].Normalized)
	})

	t.Run("person and overlapping symptoms", func(t *testing.T) {
		got := query.ExtractEntities("Did Dr. Tanaka document the chest pain?")
		require.Len(t, got, 2)

		assert.Equal(t, "Tanaka", got[0].Text)
		assert.Equal(t, model.EntityPerson, got[0].Type)
		assert.Equal(t, "tanaka", got[0].Normalized)

		// "chest pain" absorbs the bare "pain" hit.
		assert.Equal(t, "chest pain", got[1].Text)
		assert.Equal(t, model.EntitySymptom, got[1].Type)
	})

	t.Run("doctor without period", func(t *testing.T) {
		got := query.ExtractEntities("ask dr smith")
		require.Len(t, got, 1)
		assert.Equal(t, "smith", got[0].Text)
		assert.Equal(t, model.EntityPerson, got[0].Type)
	})

	t.Run("whole word only", func(t *testing.T) {
		// "dm" must not fire inside "admitted".
		got := query.ExtractEntities("admitted overnight")
		assert.Empty(t, got)
	})

	t.Run("ordered by position", func(t *testing.T) {
		got := query.ExtractEntities("fatigue and insomnia after starting sertraline")
		require.Len(t, got, 3)
		assert.Equal(t, "fatigue", got[0].Text)
		assert.Equal(t, "insomnia", got[1].Text)
		assert.Equal(t, "sertraline", got[2].Text)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1].Position.Start, got[i].Position.Start)
		}
	})

	t.Run("no entities", func(t *testing.T) {
		assert.Empty(t, query.ExtractEntities("what happened last week"))
	})
}

func TestNormalizeTerm(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Metformin ", "metformin"},
		{"bid", "twice daily"},
		{"BID", "twice daily"},
		{"htn", "hypertension"},
		{"sob", "shortness of breath"},
		{"medications", "medication"},
		{"swelling", "swell"},
		{"coughing", "cough"},
		{"management", "manage"},
		{"weakness", "weak"},
		{"type 2 diabetes", "type 2 diabet"},
		{"ed", "ed"},       // stem would vanish
		{"sing", "sing"},   // stem would fall under 3 chars
		{"pain", "pain"},   // no suffix applies
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, query.NormalizeTerm(tt.in))
		})
	}
}
