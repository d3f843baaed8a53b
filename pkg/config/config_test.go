package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Store.Backend != "memory" {
		t.Fatalf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if cfg.Store.DefaultTTL != 90*24*time.Hour {
		t.Fatalf("expected 90 day ttl, got %s", cfg.Store.DefaultTTL)
	}
	if cfg.Engine.MaxApprovalWait != 24*time.Hour {
		t.Fatalf("expected 24h approval wait, got %s", cfg.Engine.MaxApprovalWait)
	}
	if cfg.Bus.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", cfg.Bus.MaxRetries)
	}
	if cfg.Redis.Enabled() || cfg.Kafka.Enabled() {
		t.Fatalf("expected redis and kafka disabled by default")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
store:
  backend: postgres
bus:
  workers: 2
engine:
  poll_interval: 5s
  lease_ttl: 1m
redis:
  addresses: ["localhost:6379"]
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKFLOW_BUS_MAX_RETRIES", "7")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Store.Backend != "postgres" {
		t.Fatalf("expected postgres backend, got %q", cfg.Store.Backend)
	}
	if cfg.Bus.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Bus.Workers)
	}
	if cfg.Bus.MaxRetries != 7 {
		t.Fatalf("expected env override of max retries, got %d", cfg.Bus.MaxRetries)
	}
	if cfg.Engine.PollInterval != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %s", cfg.Engine.PollInterval)
	}
	if !cfg.Redis.Enabled() {
		t.Fatalf("expected redis enabled")
	}
}

func TestValidateRejectsShortLease(t *testing.T) {
	cfg := Config{
		Store:  StoreConfig{Backend: "memory"},
		Bus:    BusConfig{Workers: 1},
		Engine: EngineConfig{PollInterval: time.Minute, LeaseTTL: time.Second},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected lease shorter than poll interval to be rejected")
	}
}
