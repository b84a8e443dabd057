// Package generation provides text generation for the extraction and
// summarization stages. Like embedding, it is local-only: record content
// never leaves the host.
package generation

import "context"

// Config tunes a single generation call.
type Config struct {
	Temperature float64
	MaxTokens   int
}

// Result is what a generation call produced, with enough detail for the
// audit trail.
type Result struct {
	Text         string
	Tokens       int
	LatencyMS    int64
	Model        string
	ModelVersion string
}

// Provider produces text from a system and user prompt. Calls are
// synchronous and must honor ctx cancellation promptly.
type Provider interface {
	Generate(ctx context.Context, system, user string, cfg Config) (Result, error)
	ModelID() string
}

// NoopProvider returns an empty result. Used when no model is reachable and
// in wiring tests that never read the answer.
type NoopProvider struct{}

// NewNoopProvider creates a provider that returns empty results.
func NewNoopProvider() *NoopProvider { return &NoopProvider{} }

// ModelID identifies the noop provider.
func (p *NoopProvider) ModelID() string { return "noop" }

// Generate returns an empty result.
func (p *NoopProvider) Generate(_ context.Context, _, _ string, _ Config) (Result, error) {
	return Result{Model: "noop"}, nil
}
