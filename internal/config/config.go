// Package config loads the engine configuration: typed defaults, an
// optional majordomo.yaml in the vault root, and MAJORDOMO_* environment
// overrides, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the vault root.
const FileName = "majordomo.yaml"

// Config is the full engine configuration.
type Config struct {
	// VaultRoot is the directory holding the state directories.
	VaultRoot string `yaml:"vault_root"`

	// MaxRetries is the per-task attempt ceiling before quarantine.
	MaxRetries int `yaml:"max_retries"`
	// MaxBatchSize caps how many tasks one cycle claims.
	MaxBatchSize int `yaml:"max_batch_size"`
	// PollInterval is the pause between engine cycles.
	PollInterval time.Duration `yaml:"poll_interval"`
	// WatchdogInterval is how often the staleness scan runs.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	// SchedulerInterval is how often housekeeping (audit purge, health
	// checks, queue flushes) runs.
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	// StuckOwnedAfter is the owned-state staleness threshold.
	StuckOwnedAfter time.Duration `yaml:"stuck_owned_after"`
	// AuditRetentionDays is how long daily audit files are kept.
	AuditRetentionDays int `yaml:"audit_retention_days"`

	Processor ProcessorConfig `yaml:"processor"`
	Watcher   WatcherConfig   `yaml:"watcher"`

	// Components maps integration name to degradation strategy
	// (queue_to_local, log_only, continue_with_backlog).
	Components map[string]string `yaml:"components"`
}

// ProcessorConfig selects and tunes the reasoning backend.
type ProcessorConfig struct {
	// Mode is "cli" or "api".
	Mode string `yaml:"mode"`
	// Command is the reasoning CLI binary (cli mode).
	Command string `yaml:"command"`
	// Model is the API model name (api mode).
	Model string `yaml:"model"`
	// CallsPerMinute bounds backend invocation frequency.
	CallsPerMinute int `yaml:"calls_per_minute"`
	// TimeoutSeconds is the default processing deadline.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// WatcherConfig tunes the inbox ingestion watcher.
type WatcherConfig struct {
	// Enabled turns the watcher goroutine on under `majordomo run`.
	Enabled bool `yaml:"enabled"`
	// Source stamps descriptors created from the inbox.
	Source string `yaml:"source"`
	// AllowedExtensions lists acceptable inbox file extensions (with dot).
	AllowedExtensions []string `yaml:"allowed_extensions"`
	// MaxFileSizeMB rejects larger inbox files.
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
	// ScanInterval is the fallback polling period behind fsnotify.
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		VaultRoot:          ".",
		MaxRetries:         3,
		MaxBatchSize:       10,
		PollInterval:       30 * time.Second,
		WatchdogInterval:   5 * time.Minute,
		SchedulerInterval:  15 * time.Minute,
		StuckOwnedAfter:    20 * time.Minute,
		AuditRetentionDays: 90,
		Processor: ProcessorConfig{
			Mode:           "cli",
			Command:        "claude",
			Model:          "claude-sonnet-4-5-20250929",
			CallsPerMinute: 6,
			TimeoutSeconds: 120,
		},
		Watcher: WatcherConfig{
			Enabled:           true,
			Source:            "file_drop",
			AllowedExtensions: []string{".pdf", ".docx", ".md", ".txt", ".eml"},
			MaxFileSizeMB:     10,
			ScanInterval:      30 * time.Second,
		},
		Components: map[string]string{},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.VaultRoot == "" {
		return fmt.Errorf("vault_root is required")
	}
	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be 1-10, got %d", c.MaxRetries)
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > 100 {
		return fmt.Errorf("max_batch_size must be 1-100, got %d", c.MaxBatchSize)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s, got %v", c.PollInterval)
	}
	if c.WatchdogInterval < time.Second {
		return fmt.Errorf("watchdog_interval must be at least 1s, got %v", c.WatchdogInterval)
	}
	if c.SchedulerInterval < time.Second {
		return fmt.Errorf("scheduler_interval must be at least 1s, got %v", c.SchedulerInterval)
	}
	if c.StuckOwnedAfter < time.Minute {
		return fmt.Errorf("stuck_owned_after must be at least 1m, got %v", c.StuckOwnedAfter)
	}
	if c.AuditRetentionDays < 1 {
		return fmt.Errorf("audit_retention_days must be at least 1, got %d", c.AuditRetentionDays)
	}
	if c.Processor.Mode != "cli" && c.Processor.Mode != "api" {
		return fmt.Errorf("processor.mode must be cli or api, got %q", c.Processor.Mode)
	}
	if c.Processor.CallsPerMinute < 1 {
		return fmt.Errorf("processor.calls_per_minute must be positive, got %d", c.Processor.CallsPerMinute)
	}
	if c.Processor.TimeoutSeconds < 1 {
		return fmt.Errorf("processor.timeout_seconds must be positive, got %d", c.Processor.TimeoutSeconds)
	}
	if c.Watcher.MaxFileSizeMB < 1 {
		return fmt.Errorf("watcher.max_file_size_mb must be positive, got %d", c.Watcher.MaxFileSizeMB)
	}
	if c.Watcher.ScanInterval < time.Second {
		return fmt.Errorf("watcher.scan_interval must be at least 1s, got %v", c.Watcher.ScanInterval)
	}
	for name, strategy := range c.Components {
		switch strategy {
		case "queue_to_local", "log_only", "continue_with_backlog":
		default:
			return fmt.Errorf("components.%s: unknown strategy %q", name, strategy)
		}
	}
	return nil
}

// Load builds the configuration: defaults, then the YAML file at path (a
// missing file is fine), then environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MAJORDOMO_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := parseEnvString("MAJORDOMO_VAULT_ROOT", &c.VaultRoot); err != nil {
		return err
	}
	if err := parseEnvInt("MAJORDOMO_MAX_RETRIES", &c.MaxRetries); err != nil {
		return err
	}
	if err := parseEnvInt("MAJORDOMO_MAX_BATCH_SIZE", &c.MaxBatchSize); err != nil {
		return err
	}
	if err := parseEnvDuration("MAJORDOMO_POLL_INTERVAL", &c.PollInterval); err != nil {
		return err
	}
	if err := parseEnvDuration("MAJORDOMO_WATCHDOG_INTERVAL", &c.WatchdogInterval); err != nil {
		return err
	}
	if err := parseEnvDuration("MAJORDOMO_SCHEDULER_INTERVAL", &c.SchedulerInterval); err != nil {
		return err
	}
	if err := parseEnvDuration("MAJORDOMO_STUCK_OWNED_AFTER", &c.StuckOwnedAfter); err != nil {
		return err
	}
	if err := parseEnvInt("MAJORDOMO_AUDIT_RETENTION_DAYS", &c.AuditRetentionDays); err != nil {
		return err
	}
	if err := parseEnvString("MAJORDOMO_PROCESSOR_MODE", &c.Processor.Mode); err != nil {
		return err
	}
	if err := parseEnvString("MAJORDOMO_PROCESSOR_COMMAND", &c.Processor.Command); err != nil {
		return err
	}
	if err := parseEnvString("MAJORDOMO_PROCESSOR_MODEL", &c.Processor.Model); err != nil {
		return err
	}
	if err := parseEnvInt("MAJORDOMO_PROCESSOR_CALLS_PER_MINUTE", &c.Processor.CallsPerMinute); err != nil {
		return err
	}
	if err := parseEnvInt("MAJORDOMO_PROCESSOR_TIMEOUT_SECONDS", &c.Processor.TimeoutSeconds); err != nil {
		return err
	}
	if err := parseEnvBool("MAJORDOMO_WATCHER_ENABLED", &c.Watcher.Enabled); err != nil {
		return err
	}
	if err := parseEnvString("MAJORDOMO_WATCHER_SOURCE", &c.Watcher.Source); err != nil {
		return err
	}
	if err := parseEnvInt("MAJORDOMO_WATCHER_MAX_FILE_SIZE_MB", &c.Watcher.MaxFileSizeMB); err != nil {
		return err
	}
	if err := parseEnvDuration("MAJORDOMO_WATCHER_SCAN_INTERVAL", &c.Watcher.ScanInterval); err != nil {
		return err
	}
	return nil
}

// Write renders the configuration as YAML to the given path. Used by
// `majordomo init` to seed a commented starting point.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	header := "# majordomo configuration. Environment variables (MAJORDOMO_*) override this file.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	*dest = n
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	*dest = b
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	*dest = value
	return nil
}

// parseEnvDuration parses a duration from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	*dest = d
	return nil
}
