package agent

import (
	"fmt"
	"time"
)

// Mode selects which backend implementation processes tasks.
type Mode string

const (
	// ModeCLI spawns the reasoning CLI as a subprocess per task.
	ModeCLI Mode = "cli"
	// ModeAPI calls the Anthropic Messages API directly.
	ModeAPI Mode = "api"
)

// IsValid checks if the mode value is valid
func (m Mode) IsValid() bool {
	return m == ModeCLI || m == ModeAPI
}

// Config holds processor configuration for both modes.
type Config struct {
	// Mode selects the backend.
	Mode Mode

	// Command is the reasoning CLI binary (CLI mode).
	Command string
	// ExtraArgs precede the prompt argument (CLI mode).
	ExtraArgs []string

	// Model is the API model name (API mode).
	Model string
	// APIKey overrides the ANTHROPIC_API_KEY environment variable.
	APIKey string
	// MaxTokens bounds the API response length.
	MaxTokens int

	// MaxOutputLines caps captured subprocess output per stream.
	MaxOutputLines int
	// CallsPerMinute bounds backend invocation frequency.
	CallsPerMinute int

	// DefaultTimeout applies to task types without an entry in TypeTimeouts.
	DefaultTimeout time.Duration
	// TypeTimeouts maps task type to its processing deadline.
	TypeTimeouts map[string]time.Duration
}

// DefaultConfig returns the standard processor configuration.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeCLI,
		Command:        "claude",
		ExtraArgs:      []string{"-p"},
		Model:          "claude-sonnet-4-5-20250929",
		MaxTokens:      4096,
		MaxOutputLines: 10000,
		CallsPerMinute: 6,
		DefaultTimeout: 2 * time.Minute,
		TypeTimeouts: map[string]time.Duration{
			"mail_processing":    2 * time.Minute,
			"invoice_generation": 3 * time.Minute,
			"social_post":        time.Minute,
			"weekly_audit":       3 * time.Minute,
		},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if !c.Mode.IsValid() {
		return fmt.Errorf("invalid processor mode: %s", c.Mode)
	}
	if c.Mode == ModeCLI && c.Command == "" {
		return fmt.Errorf("command is required in CLI mode")
	}
	if c.Mode == ModeAPI && c.Model == "" {
		return fmt.Errorf("model is required in API mode")
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.MaxOutputLines < 1 {
		return fmt.Errorf("max output lines must be positive, got %d", c.MaxOutputLines)
	}
	if c.CallsPerMinute < 1 {
		return fmt.Errorf("calls per minute must be positive, got %d", c.CallsPerMinute)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive, got %v", c.DefaultTimeout)
	}
	for taskType, d := range c.TypeTimeouts {
		if d <= 0 {
			return fmt.Errorf("timeout for task type %s must be positive, got %v", taskType, d)
		}
	}
	return nil
}

// TimeoutFor returns the processing deadline for a task type.
func (c *Config) TimeoutFor(taskType string) time.Duration {
	if d, ok := c.TypeTimeouts[taskType]; ok {
		return d
	}
	return c.DefaultTimeout
}
