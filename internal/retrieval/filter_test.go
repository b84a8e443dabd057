package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/karte/internal/model"
)

var indexNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func day(d int) time.Time {
	return time.Date(2025, time.May, d, 9, 0, 0, 0, time.UTC)
}

func testChunks() []model.Chunk {
	return []model.Chunk{
		{ChunkID: "note_2:0", ArtifactID: "note_2", PatientID: "p1", Type: model.ArtifactNote, OccurredAt: day(20), Author: "dr_sato"},
		{ChunkID: "med_1:0", ArtifactID: "med_1", PatientID: "p1", Type: model.ArtifactMedicationOrder, OccurredAt: day(5), Author: "dr_sato"},
		{ChunkID: "note_1:0", ArtifactID: "note_1", PatientID: "p1", Type: model.ArtifactNote, OccurredAt: day(10), Author: "dr_kim"},
		{ChunkID: "note_1:1", ArtifactID: "note_1", PatientID: "p1", Type: model.ArtifactNote, OccurredAt: day(10), Author: "dr_kim"},
		{ChunkID: "plan_1:0", ArtifactID: "plan_1", PatientID: "p1", Type: model.ArtifactCarePlan, OccurredAt: day(15), Author: ""},
	}
}

func TestBuildPatientIndex(t *testing.T) {
	ix := BuildPatientIndex("p1", testChunks(), indexNow)

	assert.Equal(t, "p1", ix.PatientID)
	assert.Equal(t, 5, ix.ChunkSize)
	assert.Equal(t, day(5), ix.DateFrom)
	assert.Equal(t, day(20), ix.DateTo)
	assert.Equal(t, []model.ArtifactType{model.ArtifactCarePlan, model.ArtifactMedicationOrder, model.ArtifactNote}, ix.Types)

	// The id list follows the date stripe.
	assert.Equal(t, []string{"med_1:0", "note_1:0", "note_1:1", "plan_1:0", "note_2:0"}, ix.ChunkIDs())
}

func TestFilterNoConstraints(t *testing.T) {
	ix := BuildPatientIndex("p1", testChunks(), indexNow)
	got := ix.Filter(model.QueryFilters{})
	assert.Equal(t, ix.ChunkIDs(), got)
}

func TestFilterByType(t *testing.T) {
	ix := BuildPatientIndex("p1", testChunks(), indexNow)

	got := ix.Filter(model.QueryFilters{ArtifactTypes: []model.ArtifactType{model.ArtifactNote}})
	assert.Equal(t, []string{"note_1:0", "note_1:1", "note_2:0"}, got)

	got = ix.Filter(model.QueryFilters{
		ArtifactTypes: []model.ArtifactType{model.ArtifactMedicationOrder, model.ArtifactCarePlan},
	})
	assert.Equal(t, []string{"med_1:0", "plan_1:0"}, got)
}

func TestFilterByDateRange(t *testing.T) {
	ix := BuildPatientIndex("p1", testChunks(), indexNow)

	from := day(10)
	to := day(15)
	got := ix.Filter(model.QueryFilters{DateRange: &model.TimeRange{From: &from, To: &to}})
	assert.Equal(t, []string{"note_1:0", "note_1:1", "plan_1:0"}, got)

	// Bounds are inclusive on both sides.
	exact := day(5)
	got = ix.Filter(model.QueryFilters{DateRange: &model.TimeRange{From: &exact, To: &exact}})
	assert.Equal(t, []string{"med_1:0"}, got)

	// Open-ended range.
	got = ix.Filter(model.QueryFilters{DateRange: &model.TimeRange{From: &to}})
	assert.Equal(t, []string{"plan_1:0", "note_2:0"}, got)
}

func TestFilterByAuthor(t *testing.T) {
	ix := BuildPatientIndex("p1", testChunks(), indexNow)
	got := ix.Filter(model.QueryFilters{Author: "dr_kim"})
	assert.Equal(t, []string{"note_1:0", "note_1:1"}, got)
}

func TestFilterCombined(t *testing.T) {
	ix := BuildPatientIndex("p1", testChunks(), indexNow)

	from := day(8)
	got := ix.Filter(model.QueryFilters{
		ArtifactTypes: []model.ArtifactType{model.ArtifactNote},
		DateRange:     &model.TimeRange{From: &from},
		Author:        "dr_sato",
	})
	assert.Equal(t, []string{"note_2:0"}, got)
}

func TestFilterNoMatch(t *testing.T) {
	ix := BuildPatientIndex("p1", testChunks(), indexNow)

	got := ix.Filter(model.QueryFilters{ArtifactTypes: []model.ArtifactType{model.ArtifactAllergy}})
	assert.Empty(t, got)

	from := day(25)
	got = ix.Filter(model.QueryFilters{DateRange: &model.TimeRange{From: &from}})
	assert.Empty(t, got)

	got = ix.Filter(model.QueryFilters{Author: "dr_nobody"})
	assert.Empty(t, got)
}

func TestFilterEmptyIndex(t *testing.T) {
	ix := BuildPatientIndex("p1", nil, indexNow)
	require.NotNil(t, ix)
	assert.Empty(t, ix.Filter(model.QueryFilters{}))
	assert.True(t, ix.DateFrom.IsZero())
}
