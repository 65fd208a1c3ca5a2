package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.QueueBackend != "memory" || cfg.StoreBackend != "memory" {
		t.Fatalf("unexpected backends: %s/%s", cfg.QueueBackend, cfg.StoreBackend)
	}
	if cfg.Columns.AudioURL != "Audio File URL" {
		t.Fatalf("unexpected audio column %q", cfg.Columns.AudioURL)
	}
	if cfg.StageMaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.StageMaxAttempts)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("FETCH_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid FETCH_TIMEOUT")
	}
}

func TestLoadCodaRequiresCredentials(t *testing.T) {
	t.Setenv("RECORD_BACKEND", "coda")
	t.Setenv("CODA_API_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing coda credentials")
	}
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	t.Setenv("STAGE_MAX_ATTEMPTS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for STAGE_MAX_ATTEMPTS=0")
	}
}

func TestLoadRejectsMemoryQueueWithDurableStore(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("EMBEDDED_WORKERS", "true")
	for _, store := range []string{"sqlite", "postgres", "redis"} {
		t.Setenv("STORE_BACKEND", store)
		if _, err := Load(); err == nil {
			t.Fatalf("expected error for QUEUE_BACKEND=memory with STORE_BACKEND=%s", store)
		}
	}
}

func TestApplyYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service.yaml")
	content := `
webhook:
  secret: s3cret
records:
  backend: xlsx
  xlsx_path: rows.xlsx
  columns:
    transcript: Text
worker:
  concurrency: 7
  lease_timeout: 2m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WebhookSecret != "s3cret" {
		t.Fatalf("secret not applied: %q", cfg.WebhookSecret)
	}
	if cfg.RecordBackend != "xlsx" || cfg.XLSXPath != "rows.xlsx" {
		t.Fatalf("records not applied: %s %s", cfg.RecordBackend, cfg.XLSXPath)
	}
	if cfg.Columns.Transcript != "Text" || cfg.Columns.Summary != "Summary" {
		t.Fatalf("columns not applied: %+v", cfg.Columns)
	}
	if cfg.WorkerConcurrency != 7 || cfg.LeaseTimeout != 2*time.Minute {
		t.Fatalf("worker not applied: %d %s", cfg.WorkerConcurrency, cfg.LeaseTimeout)
	}
}

func TestApplyTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service.toml")
	content := `
[queue]
backend = "redis"
redis_addr = "cache:6379"

[worker]
max_attempts = 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig: %v", err)
	}
	cfg := &Config{}
	if err := ApplyFileConfig(cfg, fc); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.QueueBackend != "redis" || cfg.RedisAddr != "cache:6379" || cfg.StageMaxAttempts != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestApplyFileConfigUnknownColumn(t *testing.T) {
	fc := &FileConfig{Records: RecordsFileConfig{Columns: map[string]string{"color": "Blue"}}}
	if err := ApplyFileConfig(&Config{}, fc); err == nil {
		t.Fatal("expected error for unknown column key")
	}
}
