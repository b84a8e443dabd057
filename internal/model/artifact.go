package model

import "time"

// ArtifactType tags the kind of EMR record an Artifact was normalized from.
// The set is closed; the normalizer rejects anything it cannot tag.
type ArtifactType string

const (
	ArtifactNote            ArtifactType = "note"
	ArtifactMedicationOrder ArtifactType = "medication_order"
	ArtifactCarePlan        ArtifactType = "care_plan"
	ArtifactAllergy         ArtifactType = "allergy"
	ArtifactCondition       ArtifactType = "condition"
	ArtifactVital           ArtifactType = "vital"
	ArtifactLabObservation  ArtifactType = "lab_observation"
	ArtifactAppointment     ArtifactType = "appointment"
	ArtifactDocument        ArtifactType = "document"
	ArtifactFormResponse    ArtifactType = "form_response"
	ArtifactMessage         ArtifactType = "message"
	ArtifactTask            ArtifactType = "task"
	ArtifactFamilyHistory   ArtifactType = "family_history"
	ArtifactInsurancePolicy ArtifactType = "insurance_policy"
	ArtifactSuperbill       ArtifactType = "superbill"
	ArtifactIntakeFlow      ArtifactType = "intake_flow"
	ArtifactForm            ArtifactType = "form"
)

// ValidArtifactType reports whether t belongs to the closed tag set.
func ValidArtifactType(t ArtifactType) bool {
	switch t {
	case ArtifactNote, ArtifactMedicationOrder, ArtifactCarePlan,
		ArtifactAllergy, ArtifactCondition, ArtifactVital,
		ArtifactLabObservation, ArtifactAppointment, ArtifactDocument,
		ArtifactFormResponse, ArtifactMessage, ArtifactTask,
		ArtifactFamilyHistory, ArtifactInsurancePolicy, ArtifactSuperbill,
		ArtifactIntakeFlow, ArtifactForm:
		return true
	}
	return false
}

// Artifact is a normalized EMR record of one kind. Content is a
// deterministic sectioned flattening of the source payload, so two
// normalization runs over the same record produce byte-identical text.
// OccurredAt is always set: the normalizer synthesizes it from the record's
// created_at when the source omits a clinical timestamp.
type Artifact struct {
	ArtifactID string         `json:"artifact_id"`
	PatientID  string         `json:"patient_id"`
	Type       ArtifactType   `json:"artifact_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Author     string         `json:"author,omitempty"`
	Content    string         `json:"content"`
	SourceURL  string         `json:"source_url,omitempty"`
	Raw        map[string]any `json:"raw,omitempty"`
}

// CharRange is a half-open [Start,End) byte range into an Artifact's content.
type CharRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the range is non-empty and fits within a content of
// the given length.
func (r CharRange) Valid(contentLen int) bool {
	return 0 <= r.Start && r.Start < r.End && r.End <= contentLen
}

// Chunk is a bounded slice of an Artifact's content carrying enough
// provenance to verify citations. Offsets index the artifact content the
// chunk was cut from.
type Chunk struct {
	ChunkID    string       `json:"chunk_id"`
	ArtifactID string       `json:"artifact_id"`
	PatientID  string       `json:"patient_id"`
	Type       ArtifactType `json:"artifact_type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Author     string       `json:"author,omitempty"`
	Content    string       `json:"content"`
	Offsets    CharRange    `json:"char_offsets"`
	SourceURL  string       `json:"source_url,omitempty"`
}

// PatientBundle is everything a record source returns for one patient,
// already filtered client-side by patient id.
type PatientBundle struct {
	Patient      map[string]any   `json:"patient,omitempty"`
	CarePlans    []map[string]any `json:"care_plans"`
	Medications  []map[string]any `json:"medications"`
	Notes        []map[string]any `json:"notes"`
	Allergies    []map[string]any `json:"allergies,omitempty"`
	Conditions   []map[string]any `json:"conditions,omitempty"`
	Vitals       []map[string]any `json:"vitals,omitempty"`
	Labs         []map[string]any `json:"labs,omitempty"`
	Appointments []map[string]any `json:"appointments,omitempty"`
	Documents    []map[string]any `json:"documents,omitempty"`
	Tasks        []map[string]any `json:"tasks,omitempty"`
}

// Len is the total record count across every kind in the bundle.
func (b PatientBundle) Len() int {
	return len(b.CarePlans) + len(b.Medications) + len(b.Notes) +
		len(b.Allergies) + len(b.Conditions) + len(b.Vitals) + len(b.Labs) +
		len(b.Appointments) + len(b.Documents) + len(b.Tasks)
}
