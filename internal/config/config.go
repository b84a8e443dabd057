// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pipeline settings.
	Deadline        time.Duration // Wall-clock budget per query, from ingress.
	PipelineVersion string
	DetailLevel     int // Default detail level 1..5 when the caller sets none.

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "ollama", or "noop"
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string

	// Generation provider settings.
	GenerationProvider string // "auto", "ollama", or "noop"
	GenerationModel    string

	// Vector index settings.
	VectorIndex  string // "flat" or "qdrant"
	QdrantURL    string
	SnapshotPath string // Flat index snapshot file; sidecar lives next to it.

	// Metadata store settings.
	MetadataStore string // "sqlite" or "postgres"
	SQLitePath    string
	DatabaseURL   string // Postgres URL; used only when MetadataStore is "postgres".

	// Record source settings.
	RecordSourceURL    string
	RecordSourceKey    string // Primary API key.
	RecordSourceSecret string // Secondary key for the token exchange.

	// Audit settings.
	AuditDir             string
	PrivacyMode          string // "FULL", "REDACTED", or "MINIMAL"
	AnonymizeAfter       time.Duration
	AuditRingCapacity    int
	AuditFlushOnShutdown bool

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration
	AdminAPIKey       string // API key accepted by POST /auth/token.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	SweepInterval       time.Duration // Cache sweeper cadence.
	SnapshotInterval    time.Duration // Flat index persistence cadence; 0 disables.
	MaxRequestBodyBytes int64
	RateLimitPerMinute  int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("KARTE_PORT", 8080),
		ReadTimeout:          envDuration("KARTE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("KARTE_WRITE_TIMEOUT", 60*time.Second),
		Deadline:             envDuration("KARTE_DEADLINE", 6*time.Second),
		PipelineVersion:      envStr("KARTE_PIPELINE_VERSION", "1"),
		DetailLevel:          envInt("KARTE_DETAIL_LEVEL", 3),
		EmbeddingProvider:    envStr("KARTE_EMBEDDING_PROVIDER", "auto"),
		EmbeddingModel:       envStr("KARTE_EMBEDDING_MODEL", "mxbai-embed-large"),
		EmbeddingDimensions:  envInt("KARTE_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:            envStr("OLLAMA_URL", "http://localhost:11434"),
		GenerationProvider:   envStr("KARTE_GENERATION_PROVIDER", "auto"),
		GenerationModel:      envStr("KARTE_GENERATION_MODEL", "llama3.1:8b"),
		VectorIndex:          envStr("KARTE_VECTOR_INDEX", "flat"),
		QdrantURL:            envStr("QDRANT_URL", ""),
		SnapshotPath:         envStr("KARTE_SNAPSHOT_PATH", "data/index.snapshot"),
		MetadataStore:        envStr("KARTE_METADATA_STORE", "sqlite"),
		SQLitePath:           envStr("KARTE_SQLITE_PATH", "data/karte.db"),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		RecordSourceURL:      envStr("KARTE_EMR_URL", ""),
		RecordSourceKey:      envStr("KARTE_EMR_API_KEY", ""),
		RecordSourceSecret:   envStr("KARTE_EMR_API_SECRET", ""),
		AuditDir:             envStr("KARTE_AUDIT_DIR", "data/audit"),
		PrivacyMode:          envStr("KARTE_PRIVACY_MODE", "FULL"),
		AnonymizeAfter:       envDuration("KARTE_ANONYMIZE_AFTER", 30*24*time.Hour),
		AuditRingCapacity:    envInt("KARTE_AUDIT_RING_CAPACITY", 10000),
		AuditFlushOnShutdown: envBool("KARTE_AUDIT_FLUSH_ON_SHUTDOWN", true),
		JWTPrivateKeyPath:    envStr("KARTE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:     envStr("KARTE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:        envDuration("KARTE_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:          envStr("KARTE_ADMIN_API_KEY", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         envBool("KARTE_OTEL_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "karte"),
		LogLevel:             envStr("KARTE_LOG_LEVEL", "info"),
		SweepInterval:        envDuration("KARTE_SWEEP_INTERVAL", 60*time.Second),
		SnapshotInterval:     envDuration("KARTE_SNAPSHOT_INTERVAL", 5*time.Minute),
		MaxRequestBodyBytes:  int64(envInt("KARTE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		RateLimitPerMinute:   envInt("KARTE_RATE_LIMIT_PER_MINUTE", 120),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Deadline <= 0 {
		return fmt.Errorf("config: KARTE_DEADLINE must be positive")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: KARTE_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.DetailLevel < 1 || c.DetailLevel > 5 {
		return fmt.Errorf("config: KARTE_DETAIL_LEVEL must be between 1 and 5")
	}
	switch c.VectorIndex {
	case "flat", "qdrant":
	default:
		return fmt.Errorf("config: KARTE_VECTOR_INDEX must be %q or %q (got %q)", "flat", "qdrant", c.VectorIndex)
	}
	if c.VectorIndex == "qdrant" && c.QdrantURL == "" {
		return fmt.Errorf("config: QDRANT_URL is required when KARTE_VECTOR_INDEX=qdrant")
	}
	switch c.MetadataStore {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: KARTE_METADATA_STORE must be %q or %q (got %q)", "sqlite", "postgres", c.MetadataStore)
	}
	if c.MetadataStore == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required when KARTE_METADATA_STORE=postgres")
	}
	switch strings.ToUpper(c.PrivacyMode) {
	case "FULL", "REDACTED", "MINIMAL":
	default:
		return fmt.Errorf("config: KARTE_PRIVACY_MODE must be FULL, REDACTED, or MINIMAL (got %q)", c.PrivacyMode)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KARTE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.AuditRingCapacity <= 0 {
		return fmt.Errorf("config: KARTE_AUDIT_RING_CAPACITY must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
