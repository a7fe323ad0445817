package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty vault root", func(c *Config) { c.VaultRoot = "" }},
		{"zero max retries", func(c *Config) { c.MaxRetries = 0 }},
		{"excessive max retries", func(c *Config) { c.MaxRetries = 11 }},
		{"zero batch size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"sub-second poll", func(c *Config) { c.PollInterval = 100 * time.Millisecond }},
		{"short stuck threshold", func(c *Config) { c.StuckOwnedAfter = 10 * time.Second }},
		{"bad processor mode", func(c *Config) { c.Processor.Mode = "telepathy" }},
		{"bad strategy", func(c *Config) { c.Components = map[string]string{"gmail": "panic"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxRetries != 3 || cfg.Processor.Mode != "cli" {
		t.Errorf("Load() without file did not fall back to defaults: %+v", cfg)
	}
}

func TestLoadYAMLAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	yamlBody := `
max_retries: 5
poll_interval: 10s
processor:
  mode: api
  model: claude-sonnet-4-5-20250929
components:
  gmail: queue_to_local
  erp: log_only
`
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// Env beats YAML.
	t.Setenv("MAJORDOMO_MAX_RETRIES", "2")
	t.Setenv("MAJORDOMO_WATCHER_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want env override 2", cfg.MaxRetries)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want YAML 10s", cfg.PollInterval)
	}
	if cfg.Processor.Mode != "api" {
		t.Errorf("Processor.Mode = %q, want api", cfg.Processor.Mode)
	}
	if cfg.Watcher.Enabled {
		t.Errorf("Watcher.Enabled = true, want env override false")
	}
	if cfg.Components["erp"] != "log_only" {
		t.Errorf("Components = %v, want erp=log_only", cfg.Components)
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("MAJORDOMO_POLL_INTERVAL", "soon")
	if _, err := Load(""); err == nil {
		t.Errorf("Load() with bad duration env = nil, want error")
	}
}

func TestWriteRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	orig := Default()
	orig.MaxBatchSize = 25
	if err := orig.Write(path); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxBatchSize != 25 {
		t.Errorf("MaxBatchSize = %d, want 25", cfg.MaxBatchSize)
	}
}
