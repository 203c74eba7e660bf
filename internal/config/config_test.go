package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing config file, got %v", err)
	}
	if cfg.Pipeline.DeadlineMS != 150 {
		t.Errorf("expected default deadline_ms 150, got %d", cfg.Pipeline.DeadlineMS)
	}
	if cfg.Cache.L1Size != 1000 {
		t.Errorf("expected default cache l1_size 1000, got %d", cfg.Cache.L1Size)
	}
}

func TestLoadAppliesSpecEnvOverrides(t *testing.T) {
	t.Setenv("CACHE_TTL_L1", "10m")
	t.Setenv("CACHE_TTL_L2", "2h")
	t.Setenv("CACHE_L1_SIZE", "5000")
	t.Setenv("SEMANTIC_THRESHOLD", "0.9")
	t.Setenv("DEADLINE_MS", "300")
	t.Setenv("MAX_PROMPT_BYTES", "131072")
	t.Setenv("MAX_BATCH_SIZE", "50")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Cache.L1TTL != 10*time.Minute {
		t.Errorf("expected l1 ttl 10m, got %v", cfg.Cache.L1TTL)
	}
	if cfg.Cache.L2TTL != 2*time.Hour {
		t.Errorf("expected l2 ttl 2h, got %v", cfg.Cache.L2TTL)
	}
	if cfg.Cache.L1Size != 5000 {
		t.Errorf("expected l1 size 5000, got %d", cfg.Cache.L1Size)
	}
	if cfg.Semantic.Threshold != 0.9 {
		t.Errorf("expected semantic threshold 0.9, got %f", cfg.Semantic.Threshold)
	}
	if cfg.Pipeline.DeadlineMS != 300 {
		t.Errorf("expected deadline_ms 300, got %d", cfg.Pipeline.DeadlineMS)
	}
	if cfg.Pipeline.MaxPromptBytes != 131072 {
		t.Errorf("expected max_prompt_bytes 131072, got %d", cfg.Pipeline.MaxPromptBytes)
	}
	if cfg.Pipeline.MaxBatchSize != 50 {
		t.Errorf("expected max_batch_size 50, got %d", cfg.Pipeline.MaxBatchSize)
	}
	if cfg.Deadline() != 300*time.Millisecond {
		t.Errorf("expected Deadline() 300ms, got %v", cfg.Deadline())
	}
}

func TestLoadRejectsInvalidSemanticThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	data := []byte("semantic:\n  threshold: 1.5\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an out-of-range semantic threshold")
	}
}

func TestLoadRejectsForwarderWithoutDefaultBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	data := []byte(`
forwarder:
  enabled: true
  backends:
    ollama:
      url: http://localhost:11434
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when no forwarder backend is marked default")
	}
}
