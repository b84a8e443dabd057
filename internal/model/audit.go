package model

import (
	"time"

	"github.com/google/uuid"
)

// PrivacyMode controls how much identifying detail audit reads expose.
type PrivacyMode string

const (
	PrivacyFull     PrivacyMode = "FULL"
	PrivacyRedacted PrivacyMode = "REDACTED"
	PrivacyMinimal  PrivacyMode = "MINIMAL"
)

// ValidPrivacyMode reports whether m is one of the three modes.
func ValidPrivacyMode(m PrivacyMode) bool {
	return m == PrivacyFull || m == PrivacyRedacted || m == PrivacyMinimal
}

// RetrievalAudit records what the retrieval stage produced for one query.
type RetrievalAudit struct {
	ArtifactIDs []string  `json:"artifact_ids"`
	ChunkIDs    []string  `json:"chunk_ids"`
	Scores      []float64 `json:"scores"`
	Method      string    `json:"method"`
	TimeMS      int64     `json:"time_ms"`
}

// LLMAudit records the exact generator exchange for one query.
type LLMAudit struct {
	Prompt       string  `json:"prompt"`
	Response     string  `json:"response"`
	Model        string  `json:"model"`
	ModelVersion string  `json:"model_version,omitempty"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	Tokens       int     `json:"tokens"`
	LatencyMS    int64   `json:"latency_ms"`
}

// AuditEntry is the complete record of one query: who asked what, what was
// retrieved, what the model said, and what went back. Exactly one entry per
// query, success or not.
type AuditEntry struct {
	QueryID         uuid.UUID       `json:"query_id"`
	Timestamp       time.Time       `json:"timestamp"`
	UserID          string          `json:"user_id,omitempty"`
	PatientID       string          `json:"patient_id"`
	QueryText       string          `json:"query_text"`
	Retrieval       *RetrievalAudit `json:"retrieval,omitempty"`
	LLM             *LLMAudit       `json:"llm,omitempty"`
	ResponseSummary string          `json:"response_summary,omitempty"`
	Confidence      float64         `json:"confidence"`
	Success         bool            `json:"success"`
	Error           Kind            `json:"error,omitempty"`
	TotalTimeMS     int64           `json:"total_time_ms"`
	SessionID       string          `json:"session_id,omitempty"`
	IP              string          `json:"ip,omitempty"`
	UserAgent       string          `json:"ua,omitempty"`
	PipelineVersion string          `json:"pipeline_version"`

	// Hash chain, set by the audit logger on write. PrevHash is the
	// EntryHash of the preceding entry in the file, empty for the first.
	PrevHash  string `json:"prev_hash,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`
}

// AuditFilter narrows audit reads and exports.
type AuditFilter struct {
	PatientID string     `json:"patient_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Success   *bool      `json:"success,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}
