package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.PreviewMaxAttempts != 3 || cfg.PreviewRetryDelay != 60*time.Second {
		t.Fatalf("unexpected preview retry policy: %d %s", cfg.PreviewMaxAttempts, cfg.PreviewRetryDelay)
	}
	if cfg.ArchiveMaxAttempts != 2 || cfg.ArchiveRetryDelay != 120*time.Second {
		t.Fatalf("unexpected archive retry policy: %d %s", cfg.ArchiveMaxAttempts, cfg.ArchiveRetryDelay)
	}
	if cfg.SupervisorBatchSize != 50 {
		t.Fatalf("expected supervisor batch size 50, got %d", cfg.SupervisorBatchSize)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected no kafka brokers by default, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PREVIEW_MAX_ATTEMPTS", "5")
	t.Setenv("ARCHIVE_RETRY_DELAY", "2s")
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")

	cfg := Load()
	if cfg.PreviewMaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.PreviewMaxAttempts)
	}
	if cfg.ArchiveRetryDelay != 2*time.Second {
		t.Fatalf("expected 2s delay, got %s", cfg.ArchiveRetryDelay)
	}
	if cfg.StorageBackend != "s3" {
		t.Fatalf("expected lowercased backend, got %q", cfg.StorageBackend)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("SUPERVISOR_BATCH_SIZE: 10\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg := Load()
	if cfg.SupervisorBatchSize != 10 {
		t.Fatalf("expected batch size from file, got %d", cfg.SupervisorBatchSize)
	}
}
