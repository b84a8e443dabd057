// Package normalize converts raw EMR records into the uniform Artifact model.
//
// Flattening is deterministic: for a given record the produced content is
// byte-identical across runs, section order is fixed per artifact type, and
// leftover fields append in sorted-key order. The whitespace cleanup is
// idempotent, so re-normalizing produced content changes nothing.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/karte/internal/model"
)

// Preferred section order per artifact type. Fields listed here render
// first, in this order; anything else follows sorted by key.
var sectionOrder = map[model.ArtifactType][]string{
	model.ArtifactNote:            {"title", "subject", "chief_complaint", "content", "text", "note", "assessment", "plan"},
	model.ArtifactMedicationOrder: {"name", "medication", "dosage", "dose", "frequency", "route", "instructions", "directions", "status", "reason"},
	model.ArtifactCarePlan:        {"name", "title", "goal", "goals", "description", "activities", "interventions", "status"},
	model.ArtifactAllergy:         {"allergen", "name", "reaction", "severity", "status"},
	model.ArtifactCondition:       {"name", "condition", "icd_code", "status", "notes"},
	model.ArtifactVital:           {"type", "name", "value", "unit", "notes"},
	model.ArtifactLabObservation:  {"test", "name", "value", "unit", "reference_range", "interpretation", "status"},
	model.ArtifactAppointment:     {"reason", "type", "status", "location", "notes"},
	model.ArtifactDocument:        {"title", "name", "description", "content", "text"},
	model.ArtifactTask:            {"title", "name", "description", "status", "notes"},
}

// Keys that never render into content: identity, timestamps, and link
// fields are carried on the Artifact itself.
var skipKeys = map[string]bool{
	"id": true, "uuid": true, "patient": true, "patient_id": true,
	"created_at": true, "updated_at": true, "deleted_at": true,
	"occurred_at": true, "date": true, "note_date": true, "start_date": true,
	"effective_date": true, "recorded_at": true, "datetime": true,
	"author": true, "provider": true, "created_by": true, "signed_by": true,
	"url": true, "source_url": true, "link": true, "html_url": true,
}

// occurredAtKeys lists clinical timestamp fields in priority order.
// created_at is the synthesis fallback when all of them are absent.
var occurredAtKeys = []string{
	"occurred_at", "date", "note_date", "effective_date", "start_date",
	"recorded_at", "datetime",
}

var authorKeys = []string{"author", "provider", "signed_by", "created_by"}

var urlKeys = []string{"source_url", "url", "html_url", "link"}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalizer converts raw records into Artifacts.
type Normalizer struct{}

// New creates a Normalizer.
func New() *Normalizer { return &Normalizer{} }

// Bundle normalizes every record of a patient bundle. Records without usable
// text are dropped. The fallback time stands in for occurred_at when the
// source record carries no timestamp at all.
func (n *Normalizer) Bundle(patientID string, b model.PatientBundle, fallback time.Time) []model.Artifact {
	var out []model.Artifact
	add := func(t model.ArtifactType, records []map[string]any) {
		for _, raw := range records {
			if a, ok := n.Artifact(patientID, t, raw, fallback); ok {
				out = append(out, a)
			}
		}
	}
	add(model.ArtifactCarePlan, b.CarePlans)
	add(model.ArtifactMedicationOrder, b.Medications)
	add(model.ArtifactNote, b.Notes)
	add(model.ArtifactAllergy, b.Allergies)
	add(model.ArtifactCondition, b.Conditions)
	add(model.ArtifactVital, b.Vitals)
	add(model.ArtifactLabObservation, b.Labs)
	add(model.ArtifactAppointment, b.Appointments)
	add(model.ArtifactDocument, b.Documents)
	add(model.ArtifactTask, b.Tasks)
	return out
}

// Artifact builds one Artifact from a raw record. Returns false when the
// record flattens to no text.
func (n *Normalizer) Artifact(patientID string, t model.ArtifactType, raw map[string]any, fallback time.Time) (model.Artifact, bool) {
	if !model.ValidArtifactType(t) || len(raw) == 0 {
		return model.Artifact{}, false
	}

	content := CleanText(buildContent(t, raw))
	if content == "" {
		return model.Artifact{}, false
	}

	occurred, ok := extractTime(raw, occurredAtKeys)
	if !ok {
		if created, createdOK := extractTime(raw, []string{"created_at"}); createdOK {
			occurred = created
		} else {
			occurred = fallback
		}
	}

	return model.Artifact{
		ArtifactID: artifactID(t, raw, content),
		PatientID:  patientID,
		Type:       t,
		OccurredAt: occurred.UTC(),
		Author:     extractString(raw, authorKeys),
		Content:    content,
		SourceURL:  extractString(raw, urlKeys),
		Raw:        raw,
	}, true
}

// artifactID prefers the source id; string ids pass through, numeric ids get
// a type prefix ("note_123"). Records with no id fall back to a content hash
// so re-normalizing reproduces the same id.
func artifactID(t model.ArtifactType, raw map[string]any, content string) string {
	for _, key := range []string{"id", "uuid"} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch id := v.(type) {
		case string:
			if id != "" {
				return id
			}
		case float64:
			return fmt.Sprintf("%s_%.0f", typePrefix(t), id)
		case int:
			return fmt.Sprintf("%s_%d", typePrefix(t), id)
		}
	}
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s_%s", typePrefix(t), hex.EncodeToString(sum[:])[:12])
}

func typePrefix(t model.ArtifactType) string {
	switch t {
	case model.ArtifactMedicationOrder:
		return "med"
	case model.ArtifactCarePlan:
		return "careplan"
	case model.ArtifactLabObservation:
		return "lab"
	default:
		return string(t)
	}
}

// buildContent renders a record into "Label: value" lines: preferred keys
// first in their fixed order, then every remaining textual field sorted by
// key.
func buildContent(t model.ArtifactType, raw map[string]any) string {
	var b strings.Builder
	seen := make(map[string]bool, len(raw))

	for _, key := range sectionOrder[t] {
		if v, ok := raw[key]; ok {
			writeSection(&b, key, v)
			seen[key] = true
		}
	}

	rest := make([]string, 0, len(raw))
	for key := range raw {
		if seen[key] || skipKeys[key] || strings.HasSuffix(key, "_id") {
			continue
		}
		rest = append(rest, key)
	}
	sort.Strings(rest)
	for _, key := range rest {
		writeSection(&b, key, raw[key])
	}
	return b.String()
}

func writeSection(b *strings.Builder, key string, v any) {
	text := renderValue(v)
	if text == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(sectionLabel(key))
	b.WriteString(": ")
	b.WriteString(text)
}

// renderValue flattens a field value to text. Maps render as sorted
// "key value" pairs; lists join their rendered elements with "; ".
func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case bool:
		return fmt.Sprintf("%t", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case int:
		return fmt.Sprintf("%d", val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := renderValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if s := renderValue(val[k]); s != "" {
				parts = append(parts, fmt.Sprintf("%s %s", sectionLabel(k), s))
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// sectionLabel turns a snake_case key into a title-cased label.
func sectionLabel(key string) string {
	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
	trailingWS  = regexp.MustCompile(`[ \t]+\n`)
)

// CleanText normalizes whitespace: single spaces within lines, at most one
// blank line between paragraphs, no trailing whitespace. Idempotent:
// CleanText(CleanText(s)) == CleanText(s).
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = trailingWS.ReplaceAllString(s, "\n")
	s = newlineRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func extractTime(raw map[string]any, keys []string) (time.Time, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		switch tv := v.(type) {
		case string:
			for _, layout := range timeLayouts {
				if ts, err := time.Parse(layout, tv); err == nil {
					return ts, true
				}
			}
		case time.Time:
			return tv, true
		}
	}
	return time.Time{}, false
}

func extractString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok && v != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
