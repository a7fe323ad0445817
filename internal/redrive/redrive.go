// Package redrive is the self-healing loop for stuck work: a task that sat
// in owned past the staleness threshold is re-driven through the reasoning
// backend with a bounded iteration budget and a completion oracle. Wire
// names in the audit log keep the original "ralph" vocabulary.
package redrive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/quillworks/majordomo/internal/agent"
	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/health"
	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

// Outcome statuses.
const (
	StatusCompleted     = "completed"
	StatusMaxIterations = "max_iterations_reached"
)

// DefaultPromise is the completion promise used when the staleness scan
// re-drives a task without a caller-specified one.
const DefaultPromise = "TASK COMPLETE"

// outputTailChars bounds how much of the previous attempt's output is
// re-injected into the next prompt.
const outputTailChars = 2000

// Config controls the loop and the staleness scan.
type Config struct {
	// DefaultMaxIterations applies to task types without an entry in
	// TypeMaxIterations.
	DefaultMaxIterations int
	// TypeMaxIterations maps task type to its iteration ceiling.
	TypeMaxIterations map[string]int
	// StalenessThreshold is how long a task may sit in owned before the
	// scan re-drives it.
	StalenessThreshold time.Duration
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMaxIterations: 5,
		TypeMaxIterations: map[string]int{
			"mail_processing":    5,
			"invoice_generation": 3,
			"social_post":        3,
			"weekly_audit":       10,
		},
		StalenessThreshold: 20 * time.Minute,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.DefaultMaxIterations < 1 {
		return fmt.Errorf("default max iterations must be at least 1, got %d", c.DefaultMaxIterations)
	}
	for taskType, n := range c.TypeMaxIterations {
		if n < 1 {
			return fmt.Errorf("max iterations for task type %s must be at least 1, got %d", taskType, n)
		}
	}
	if c.StalenessThreshold <= 0 {
		return fmt.Errorf("staleness threshold must be positive, got %v", c.StalenessThreshold)
	}
	return nil
}

// MaxIterationsFor returns the iteration ceiling for a task type.
func (c *Config) MaxIterationsFor(taskType string) int {
	if n, ok := c.TypeMaxIterations[taskType]; ok {
		return n
	}
	return c.DefaultMaxIterations
}

// Request names one re-drive run.
type Request struct {
	// TaskID identifies the stuck task.
	TaskID string
	// TaskType selects the iteration ceiling and processing deadline.
	TaskType string
	// Goal is the instruction re-sent to the backend each iteration.
	Goal string
	// CompletionPromise is matched case-insensitively against the backend
	// output. Empty uses DefaultPromise.
	CompletionPromise string
	// ArtifactGlob, when set, is a doublestar pattern relative to the vault
	// root; a match satisfies the oracle regardless of output text.
	ArtifactGlob string
	// MaxIterations overrides the per-type ceiling when positive.
	MaxIterations int
}

// Outcome reports how a run ended.
type Outcome struct {
	Status     string
	Iterations int
}

// Completed reports whether the oracle was satisfied.
func (o *Outcome) Completed() bool { return o.Status == StatusCompleted }

// Loop re-drives stuck tasks through the processor.
type Loop struct {
	cfg       Config
	processor agent.Processor
	v         *vault.Vault
	alerter   *health.Alerter
	audit     *audit.Logger
	now       func() time.Time
}

// NewLoop builds the self-healing loop.
func NewLoop(cfg Config, processor agent.Processor, v *vault.Vault, alerter *health.Alerter, auditLog *audit.Logger) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redrive config: %w", err)
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if alerter == nil {
		return nil, fmt.Errorf("alerter is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	return &Loop{cfg: cfg, processor: processor, v: v, alerter: alerter, audit: auditLog, now: time.Now}, nil
}

// Run drives the task until the completion oracle is satisfied or the
// iteration budget is spent. State is checkpointed after every iteration so
// a restart mid-loop resumes at the next iteration rather than the first.
// Exhaustion raises exactly one alert and leaves the checkpoint behind.
func (l *Loop) Run(ctx context.Context, req Request) (*Outcome, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("task ID is required")
	}
	if req.Goal == "" {
		return nil, fmt.Errorf("goal is required")
	}
	promise := req.CompletionPromise
	if promise == "" {
		promise = DefaultPromise
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = l.cfg.MaxIterationsFor(req.TaskType)
	}

	st, resumed, err := l.loadOrStartState(req, promise, maxIter)
	if err != nil {
		return nil, err
	}
	if st.Status == StatusMaxIterations {
		// A previous run already exhausted the budget and alerted; do not
		// retry further automatically.
		return &Outcome{Status: StatusMaxIterations, Iterations: st.Iteration}, nil
	}
	if resumed {
		fmt.Printf("Resuming redrive of %s at iteration %d/%d\n", req.TaskID, st.Iteration+1, st.MaxIterations)
	}

	if err := l.audit.Record(audit.ActionRalphStarted, req.TaskID, map[string]interface{}{
		"max_iterations":  st.MaxIterations,
		"start_iteration": st.Iteration + 1,
		"resumed":         resumed,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit redrive start for %s: %v\n", req.TaskID, err)
	}

	for st.Iteration < st.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("redrive of %s interrupted: %w", req.TaskID, err)
		}
		st.Iteration++

		output := l.invoke(ctx, req, st)
		st.LastOutput = tail(output, outputTailChars)
		if err := l.saveState(st); err != nil {
			return nil, err
		}

		if l.oracleSatisfied(promise, req.ArtifactGlob, output) {
			st.Status = StatusCompleted
			st.FinishedAt = l.now().UTC()
			l.finish(st)
			if err := l.deleteState(req.TaskID); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to remove redrive state for %s: %v\n", req.TaskID, err)
			}
			return &Outcome{Status: StatusCompleted, Iterations: st.Iteration}, nil
		}
		fmt.Printf("Redrive of %s: iteration %d/%d did not complete\n", req.TaskID, st.Iteration, st.MaxIterations)
	}

	st.Status = StatusMaxIterations
	st.FinishedAt = l.now().UTC()
	if err := l.saveState(st); err != nil {
		return nil, err
	}
	l.finish(st)

	if _, err := l.alerter.Raise(health.Alert{
		Kind:     health.AlertRalphExhausted,
		Severity: health.SeverityCritical,
		Target:   req.TaskID,
		Summary:  fmt.Sprintf("self-healing loop for %s exhausted %d iterations", req.TaskID, st.MaxIterations),
		Detail: fmt.Sprintf("Goal:\n%s\n\nLast attempt output (truncated):\n%s",
			strings.TrimSpace(req.Goal), strings.TrimSpace(st.LastOutput)),
		Action: fmt.Sprintf("The task will not be retried automatically. Inspect the descriptor in the "+
			"owned directory, fix the underlying cause, then run `majordomo redrive %s` or move the "+
			"task back to available.", req.TaskID),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to raise exhaustion alert for %s: %v\n", req.TaskID, err)
	}
	return &Outcome{Status: StatusMaxIterations, Iterations: st.Iteration}, nil
}

// invoke runs one backend attempt. Processing errors do not abort the loop;
// a failed attempt simply does not satisfy the oracle.
func (l *Loop) invoke(ctx context.Context, req Request, st *State) string {
	goal := req.Goal
	if st.LastOutput != "" {
		goal = fmt.Sprintf("%s\n\nPrevious attempt (iteration %d) ended with:\n%s\n\nPick up where it left off.",
			req.Goal, st.Iteration-1, st.LastOutput)
	}
	res, err := l.processor.Process(ctx, agent.Request{
		TaskID:         req.TaskID,
		TaskType:       req.TaskType,
		Goal:           goal,
		DescriptorPath: l.v.DescriptorPath(vault.StateOwned, req.TaskID),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: redrive iteration %d for %s failed: %v\n", st.Iteration, req.TaskID, err)
	}
	if res == nil {
		return ""
	}
	return res.Output
}

// oracleSatisfied checks the completion oracle: promise substring in the
// output, or an artifact matching the glob under the vault root.
func (l *Loop) oracleSatisfied(promise, artifactGlob, output string) bool {
	if promise != "" && strings.Contains(strings.ToLower(output), strings.ToLower(promise)) {
		return true
	}
	if artifactGlob != "" {
		matches, err := doublestar.FilepathGlob(filepath.Join(l.v.Root(), artifactGlob))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: bad artifact glob %q: %v\n", artifactGlob, err)
			return false
		}
		return len(matches) > 0
	}
	return false
}

func (l *Loop) finish(st *State) {
	if err := l.audit.Log(audit.Entry{
		ActionType: audit.ActionRalphCompleted,
		Target:     st.TaskID,
		Parameters: map[string]interface{}{
			"iterations":     st.Iteration,
			"max_iterations": st.MaxIterations,
		},
		Result: st.Status,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit redrive finish for %s: %v\n", st.TaskID, err)
	}
}

// Scan re-drives every task stuck in owned past the staleness threshold.
// Tasks whose previous run exhausted its budget are skipped: their alert is
// already raised and a human owns them now. Returns the outcomes keyed by
// task ID.
func (l *Loop) Scan(ctx context.Context) (map[string]*Outcome, error) {
	dir := l.v.Dir(vault.StateOwned)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning owned directory: %w", err)
	}

	cutoff := l.now().Add(-l.cfg.StalenessThreshold)
	outcomes := make(map[string]*Outcome)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, task.DescriptorExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		id := strings.TrimSuffix(name, task.DescriptorExt)

		if st, err := l.loadState(id); err == nil && st != nil && st.Status == StatusMaxIterations {
			continue
		}

		t, err := l.v.Read(vault.StateOwned, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot read stuck task %s: %v\n", id, err)
			continue
		}

		fmt.Printf("Watchdog: task %s stuck in owned since %s, re-driving\n", id, info.ModTime().Format(time.RFC3339))
		outcome, err := l.Run(ctx, Request{
			TaskID:            id,
			TaskType:          t.Type,
			Goal:              stuckGoal(t),
			CompletionPromise: DefaultPromise,
			ArtifactGlob:      filepath.Join(string(vault.StateDone), name),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: redrive of stuck task %s failed: %v\n", id, err)
			continue
		}
		outcomes[id] = outcome
	}
	return outcomes, nil
}

func stuckGoal(t *task.Task) string {
	return fmt.Sprintf("Task %s (source %s) was claimed for processing but never finished. "+
		"Finish processing it: read the descriptor, complete the work it describes, update the "+
		"descriptor header, and reply with %q once the task is genuinely done.",
		t.ID, t.Source, DefaultPromise)
}

// tail returns the last n characters of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
