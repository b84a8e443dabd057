package karte

import (
	"context"
	"time"
)

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbedder, replaces the auto-detected Ollama/noop
// provider. App.New() wraps it in an adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// GeneratedText is one model completion with its metadata.
type GeneratedText struct {
	Text         string
	Tokens       int
	LatencyMS    int64
	Model        string
	ModelVersion string
}

// GenerationOptions tune one completion call.
type GenerationOptions struct {
	Temperature float64
	MaxTokens   int
}

// GenerationProvider produces answer text from a system and user prompt.
// When provided via WithGenerator, replaces the auto-detected Ollama/noop
// provider. Record content must not leave the deployment boundary — the
// provider is expected to run on-prem.
type GenerationProvider interface {
	Generate(ctx context.Context, system, user string, opts GenerationOptions) (GeneratedText, error)
	ModelID() string
}

// RecordFetchOptions narrow a record fetch. Zero values mean no constraint.
type RecordFetchOptions struct {
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// RecordSource serves a patient's raw EMR records. When provided via
// WithRecordSource, replaces the built-in two-key OAuth HTTP client.
// Kind strings match the read-through endpoints: "care_plans",
// "medications", "notes", "allergies", "conditions", "vitals", "labs",
// "appointments", "documents", "tasks".
type RecordSource interface {
	// FetchAll returns every record for the patient, keyed by kind.
	FetchAll(ctx context.Context, patientID string) (map[string][]map[string]any, error)
	// Fetch returns the records of one kind.
	Fetch(ctx context.Context, kind, patientID string, opts RecordFetchOptions) ([]map[string]any, error)
}

// Role is the permission level carried in issued tokens.
type Role string

const (
	// RoleClinician can query records and read the audit trail.
	RoleClinician Role = "clinician"
	// RoleAdmin can additionally manage the index and export audit logs.
	RoleAdmin Role = "admin"
)

// Credential provisions one API-key holder for POST /auth/token.
// APIKeyHash is an Argon2id hash as produced by HashAPIKey.
type Credential struct {
	UserID     string
	Role       Role
	APIKeyHash string
}
