package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalidFallsBack(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	if !envBool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Deadline != 6*time.Second {
		t.Fatalf("expected default deadline 6s, got %s", cfg.Deadline)
	}
	if cfg.MetadataStore != "sqlite" {
		t.Fatalf("expected default metadata store sqlite, got %s", cfg.MetadataStore)
	}
}

func TestValidateRejectsUnknownVectorIndex(t *testing.T) {
	t.Setenv("KARTE_VECTOR_INDEX", "annoy")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with unknown vector index")
	}
	if !strings.Contains(err.Error(), "KARTE_VECTOR_INDEX") {
		t.Fatalf("error should mention KARTE_VECTOR_INDEX, got: %s", err)
	}
}

func TestValidateRequiresQdrantURL(t *testing.T) {
	t.Setenv("KARTE_VECTOR_INDEX", "qdrant")
	t.Setenv("QDRANT_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when qdrant is selected without a URL")
	}
}

func TestValidateRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("KARTE_METADATA_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when postgres is selected without DATABASE_URL")
	}
}

func TestValidateRejectsBadPrivacyMode(t *testing.T) {
	t.Setenv("KARTE_PRIVACY_MODE", "SOMETIMES")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with unknown privacy mode")
	}
}

func TestValidateRejectsOutOfRangeDetailLevel(t *testing.T) {
	t.Setenv("KARTE_DETAIL_LEVEL", "9")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with detail level out of range")
	}
}
