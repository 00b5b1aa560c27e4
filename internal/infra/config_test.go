package infra

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadConfigDefaultStorageBaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:8080/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
	if len(cfg.ImageSourceAllowlist) != 1 || cfg.ImageSourceAllowlist[0] != "localhost" {
		t.Fatalf("ImageSourceAllowlist mismatch: %#v", cfg.ImageSourceAllowlist)
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "1919")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:1919/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigMergesExplicitAllowlist(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_BASE_URL", "https://cdn.example.com/static")
	t.Setenv("S3_PUBLIC_BASE_URL", "")
	t.Setenv("IMAGE_SOURCE_HOST_ALLOWLIST", "media.example.com, localhost , CDN.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := []string{"cdn.example.com", "media.example.com", "localhost"}
	if len(cfg.ImageSourceAllowlist) != len(expected) {
		t.Fatalf("ImageSourceAllowlist mismatch: got %#v want %#v", cfg.ImageSourceAllowlist, expected)
	}
	for i, host := range expected {
		if cfg.ImageSourceAllowlist[i] != host {
			t.Fatalf("ImageSourceAllowlist[%d] = %q, want %q", i, cfg.ImageSourceAllowlist[i], host)
		}
	}
}

func TestLoadConfigGenerationDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("GENERATION_TIMEOUT_SECONDS", "")
	t.Setenv("SESSION_TIMEOUT_SECONDS", "")
	t.Setenv("GENERATION_RETRIES", "")
	t.Setenv("POLL_INTERVAL_MS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.GenerationTimeout != 120*time.Second {
		t.Fatalf("GenerationTimeout = %s", cfg.GenerationTimeout)
	}
	if cfg.SessionTimeout != 30*time.Second {
		t.Fatalf("SessionTimeout = %s", cfg.SessionTimeout)
	}
	if cfg.GenerationRetries != 1 {
		t.Fatalf("GenerationRetries = %d", cfg.GenerationRetries)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("PollInterval = %s", cfg.PollInterval)
	}
}

func TestLoadConfigBackendsFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("BACKEND_V2_URL", "https://v2.example.com")
	t.Setenv("BACKEND_V2_TOKEN", "tok")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	b := cfg.Backends["v2"]
	if b.BaseURL != "https://v2.example.com" || b.Token != "tok" {
		t.Fatalf("backend v2 = %#v", b)
	}
}

func TestLoadConfigRejectsS3WithoutBucket(t *testing.T) {
	setRequired(t)
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "x")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigOriginsAndLocale(t *testing.T) {
	setRequired(t)
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("DEFAULT_LOCALE", "ID")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("AllowedOrigins mismatch: %#v", cfg.AllowedOrigins)
	}
	if cfg.DefaultLocale != "id" {
		t.Fatalf("DefaultLocale = %q, want id", cfg.DefaultLocale)
	}
}
