// Package agent invokes the external reasoning backend that does the actual
// thinking for a task, either by spawning the reasoning CLI in headless mode
// or by calling the Anthropic API directly. Both paths share one rate
// limiter and the same per-task-type deadline table; a timeout and a
// non-zero exit are the same failure as far as callers are concerned.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Request names the work for one backend invocation.
type Request struct {
	// TaskID identifies the task being processed.
	TaskID string
	// TaskType selects the deadline ceiling (empty uses the default).
	TaskType string
	// Goal is the instruction for the backend.
	Goal string
	// DescriptorPath, when set, is named in the prompt so the backend can
	// read and rewrite the descriptor in place.
	DescriptorPath string
	// Timeout overrides the per-type deadline when positive.
	Timeout time.Duration
}

// Validate checks the request
func (r *Request) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("task ID is required")
	}
	if r.Goal == "" {
		return fmt.Errorf("goal is required")
	}
	return nil
}

// Result carries what the backend produced.
type Result struct {
	// Output is the captured stdout (CLI) or response text (API).
	Output string
	// Stderr is the captured error stream (CLI only).
	Stderr string
	// ExitCode is the subprocess exit status; 0 for API calls.
	ExitCode int
	// Duration is wall-clock time of the invocation.
	Duration time.Duration
}

// Processor is the reasoning backend contract.
type Processor interface {
	Process(ctx context.Context, req Request) (*Result, error)
}

// New builds the processor selected by cfg.Mode with a shared limiter
// bounding invocation frequency.
func New(cfg Config) (Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.CallsPerMinute)), 1)
	switch cfg.Mode {
	case ModeCLI:
		return NewCLIProcessor(cfg, limiter)
	case ModeAPI:
		return NewAPIProcessor(cfg, limiter)
	}
	return nil, fmt.Errorf("unsupported processor mode: %s", cfg.Mode)
}

// promptFor renders the request into the single prompt string both backends
// consume.
func promptFor(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are processing task %s", req.TaskID)
	if req.TaskType != "" {
		fmt.Fprintf(&b, " (type %s)", req.TaskType)
	}
	b.WriteString(" for a personal operations engine.\n")
	if req.DescriptorPath != "" {
		fmt.Fprintf(&b, "The task descriptor lives at %s; read it for full context and "+
			"update its header fields in place if the outcome changes them.\n", req.DescriptorPath)
	}
	b.WriteString("\n")
	b.WriteString(req.Goal)
	return b.String()
}
