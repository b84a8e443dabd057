package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

// ---- QueryRequest.Validate -------------------------------------------------

func TestQueryRequestValidate_HappyPath(t *testing.T) {
	r := model.QueryRequest{
		PatientID: "patient-1",
		QueryText: "What medications is the patient taking?",
		Options:   &model.QueryOptions{TimeoutMS: 3000, SessionID: "sess-9"},
	}
	assert.NoError(t, r.Validate())
}

func TestQueryRequestValidate_MissingPatientID(t *testing.T) {
	r := model.QueryRequest{QueryText: "anything"}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patient_id")
}

func TestQueryRequestValidate_BlankQueryText(t *testing.T) {
	r := model.QueryRequest{PatientID: "p1", QueryText: "   "}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query_text")
}

func TestQueryRequestValidate_QueryTextAtExactMax(t *testing.T) {
	r := model.QueryRequest{
		PatientID: "p1",
		QueryText: strings.Repeat("q", model.MaxQueryTextLen),
	}
	assert.NoError(t, r.Validate(), "at the limit should pass")
}

func TestQueryRequestValidate_QueryTextOverMax(t *testing.T) {
	r := model.QueryRequest{
		PatientID: "p1",
		QueryText: strings.Repeat("q", model.MaxQueryTextLen+1),
	}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query_text")
}

func TestQueryRequestValidate_NegativeTimeout(t *testing.T) {
	r := model.QueryRequest{
		PatientID: "p1",
		QueryText: "meds?",
		Options:   &model.QueryOptions{TimeoutMS: -1},
	}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_ms")
}

// ---- Confidence labels -----------------------------------------------------

func TestLabelForScore_Thresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  model.ConfidenceLabel
	}{
		{0.75, model.ConfidenceHigh},
		{0.9, model.ConfidenceHigh},
		{0.74999, model.ConfidenceMedium},
		{0.5, model.ConfidenceMedium},
		{0.49, model.ConfidenceLow},
		{0, model.ConfidenceLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.LabelForScore(tt.score), "score %v", tt.score)
	}
}
