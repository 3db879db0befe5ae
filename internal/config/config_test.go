package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SEND_TIMEOUT", "")
	t.Setenv("INGEST_WORKERS", "8")
	t.Setenv("ENVELOPE_VISIBILITY", "90s")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg := LoadConfig()
	if cfg.IngestWorkers != 8 {
		t.Errorf("IngestWorkers = %d, want 8", cfg.IngestWorkers)
	}
	if cfg.EnvelopeVisibility != 90*time.Second {
		t.Errorf("EnvelopeVisibility = %s, want 90s", cfg.EnvelopeVisibility)
	}
	// Unparseable duration falls back to the default.
	if cfg.SendTimeout != 15*time.Second {
		t.Errorf("SendTimeout = %s, want 15s", cfg.SendTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestValidateRequiresVaultKeyInProduction(t *testing.T) {
	cfg := &Config{
		Env:            "production",
		DatabaseURL:    "postgres://x",
		S3Endpoint:     "minio:9000",
		S3Bucket:       "media",
		S3AccessKey:    "ak",
		S3SecretKey:    "sk",
		OperatorAPIKey: "k",
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "VAULT_KEY") {
		t.Fatalf("expected VAULT_KEY error, got %v", err)
	}

	cfg.VaultKey = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.Env = "development"
	cfg.VaultKey = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("development without vault key should validate: %v", err)
	}
}
