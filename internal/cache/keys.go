package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/ashita-ai/karte/internal/model"
)

// EmbeddingKey is the cache key for one piece of embedded text: SHA-256 of
// the trimmed, lowercased text. Two queries differing only in case or
// surrounding whitespace share an embedding.
func EmbeddingKey(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

// QueryKey identifies a full query-result entry: trimmed lowercase query
// text, patient id, and the canonical JSON form of the filters. Struct
// field order is fixed and map keys marshal sorted, so identical filters
// always produce identical bytes.
func QueryKey(queryText, patientID string, filters model.QueryFilters) string {
	canonical, _ := json.Marshal(filters)

	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(queryText))))
	h.Write([]byte{'|'})
	h.Write([]byte(patientID))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// PatientKey is the patient-index cache key. Kept as a function so every
// call site agrees if the scheme ever grows a version prefix.
func PatientKey(patientID string) string { return patientID }
