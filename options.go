package karte

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port         int
	logger       *slog.Logger
	version      string
	embedder     EmbeddingProvider
	generator    GenerationProvider
	recordSource RecordSource
	credentials  []Credential
}

// WithPort overrides the TCP port from config (KARTE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported by /health.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbedder substitutes the embedding provider (e.g. an on-prem model
// gateway). Overrides KARTE_EMBEDDING_PROVIDER.
func WithEmbedder(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithGenerator substitutes the generation provider.
// Overrides KARTE_GENERATION_PROVIDER.
func WithGenerator(p GenerationProvider) Option {
	return func(o *resolvedOptions) { o.generator = p }
}

// WithRecordSource substitutes the EMR client, for sites with a
// non-standard record API.
func WithRecordSource(rs RecordSource) Option {
	return func(o *resolvedOptions) { o.recordSource = rs }
}

// WithCredentials provisions API-key credentials for POST /auth/token in
// addition to the KARTE_ADMIN_API_KEY admin credential.
func WithCredentials(creds ...Credential) Option {
	return func(o *resolvedOptions) { o.credentials = append(o.credentials, creds...) }
}
