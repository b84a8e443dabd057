package model

import (
	"encoding/json"
	"fmt"
)

// ExtractionType tags the shape of a structured fact pulled from the record.
type ExtractionType string

const (
	ExtractionMedication ExtractionType = "medication_recommendation"
	ExtractionCarePlan   ExtractionType = "care_plan_note"
	ExtractionGeneral    ExtractionType = "general_note"
)

// Provenance pins an extraction to the exact source text that backs it.
// SupportingText must equal the chunk content at Offsets; the citation
// validator enforces this before anything reaches a clinician.
type Provenance struct {
	ArtifactID     string    `json:"artifact_id"`
	ChunkID        string    `json:"chunk_id"`
	Offsets        CharRange `json:"char_offsets"`
	SupportingText string    `json:"supporting_text"`
}

// ExtractionContent is the closed union of typed extraction payloads.
// Variants live in this package only.
type ExtractionContent interface {
	extractionType() ExtractionType
}

// MedicationContent is the payload of a medication_recommendation.
type MedicationContent struct {
	Medication string `json:"medication"`
	Dosage     string `json:"dosage,omitempty"`
	Frequency  string `json:"frequency,omitempty"`
	Route      string `json:"route,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (MedicationContent) extractionType() ExtractionType { return ExtractionMedication }

// CarePlanContent is the payload of a care_plan_note.
type CarePlanContent struct {
	Goal         string `json:"goal"`
	Intervention string `json:"intervention,omitempty"`
	Status       string `json:"status,omitempty"`
}

func (CarePlanContent) extractionType() ExtractionType { return ExtractionCarePlan }

// GeneralContent is the open-ended fallback payload: a flat string map.
// Unknown extraction types decode into it rather than failing the response.
type GeneralContent struct {
	Fields map[string]string `json:"-"`
}

func (GeneralContent) extractionType() ExtractionType { return ExtractionGeneral }

func (c GeneralContent) MarshalJSON() ([]byte, error) {
	if c.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Fields)
}

// UnmarshalJSON tolerates non-string values by flattening them back to their
// JSON text. Model output is not trusted to keep a flat string map.
func (c *GeneralContent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Fields = make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			c.Fields[k] = s
			continue
		}
		c.Fields[k] = string(v)
	}
	return nil
}

// Extraction is one structured fact plus the provenance that backs it.
// On the wire it keeps the {type, content, provenance} shape; Content is
// decoded into the variant matching Type.
type Extraction struct {
	Type       ExtractionType    `json:"type"`
	Content    ExtractionContent `json:"content"`
	Provenance *Provenance       `json:"provenance,omitempty"`
}

type extractionWire struct {
	Type       ExtractionType  `json:"type"`
	Content    json.RawMessage `json:"content"`
	Provenance *Provenance     `json:"provenance,omitempty"`
}

func (e Extraction) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(e.Content)
	if err != nil {
		return nil, fmt.Errorf("model: marshal extraction content: %w", err)
	}
	return json.Marshal(extractionWire{Type: e.Type, Content: content, Provenance: e.Provenance})
}

func (e *Extraction) UnmarshalJSON(data []byte) error {
	var w extractionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("model: unmarshal extraction: %w", err)
	}
	e.Type = w.Type
	e.Provenance = w.Provenance
	if len(w.Content) == 0 {
		e.Content = GeneralContent{}
		return nil
	}
	switch w.Type {
	case ExtractionMedication:
		var c MedicationContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return fmt.Errorf("model: unmarshal medication content: %w", err)
		}
		e.Content = c
	case ExtractionCarePlan:
		var c CarePlanContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return fmt.Errorf("model: unmarshal care plan content: %w", err)
		}
		e.Content = c
	default:
		// Unknown types fall back to the open string-map variant; a model
		// that invents a new tag must not take the whole response down.
		var c GeneralContent
		if err := json.Unmarshal(w.Content, &c); err != nil {
			return fmt.Errorf("model: unmarshal general content: %w", err)
		}
		if w.Type == "" {
			e.Type = ExtractionGeneral
		}
		e.Content = c
	}
	return nil
}
