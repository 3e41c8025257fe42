package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("server:\n  port: 9090\nwebhooks:\n  credentials_key: k\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Audit.RetentionDays != 365 {
		t.Errorf("Expected default retention 365, got %d", cfg.Audit.RetentionDays)
	}
	if !cfg.Audit.PreserveCritical {
		t.Error("Expected preserve_critical to default to true")
	}
	if cfg.Webhooks.RequestTimeout != 30*time.Second {
		t.Errorf("Expected 30s request timeout, got %v", cfg.Webhooks.RequestTimeout)
	}
	if cfg.Scheduler.Backend != "memory" {
		t.Errorf("Expected memory scheduler backend, got %s", cfg.Scheduler.Backend)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
