package health

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

// Finding is one problem surfaced by a system health check, with the
// recommendation a human needs to clear it.
type Finding struct {
	Check          string
	Severity       Severity
	Target         string
	Description    string
	Recommendation string
}

// Key identifies the finding for dedup across scheduler runs.
func (f Finding) Key() string {
	return f.Check + ":" + f.Target
}

// CheckConfig holds the thresholds for the system health checks.
type CheckConfig struct {
	// StuckOwnedAfter flags tasks sitting in owned longer than this.
	StuckOwnedAfter time.Duration
	// QuarantineMax flags the quarantine directory at this count.
	QuarantineMax int
	// ApprovalBacklogMax flags pending approvals at this count.
	ApprovalBacklogMax int
	// ApprovalOldest flags any approval waiting longer than this.
	ApprovalOldest time.Duration
	// PendingStaleAfter flags available tasks not picked up within this.
	PendingStaleAfter time.Duration
}

// DefaultCheckConfig returns the standard thresholds.
func DefaultCheckConfig() CheckConfig {
	return CheckConfig{
		StuckOwnedAfter:    20 * time.Minute,
		QuarantineMax:      3,
		ApprovalBacklogMax: 5,
		ApprovalOldest:     2 * time.Hour,
		PendingStaleAfter:  2 * time.Hour,
	}
}

// Validate checks the configuration
func (c *CheckConfig) Validate() error {
	if c.StuckOwnedAfter <= 0 {
		return fmt.Errorf("stuck-owned threshold must be positive")
	}
	if c.QuarantineMax < 1 {
		return fmt.Errorf("quarantine threshold must be at least 1")
	}
	if c.ApprovalBacklogMax < 1 {
		return fmt.Errorf("approval backlog threshold must be at least 1")
	}
	if c.ApprovalOldest <= 0 || c.PendingStaleAfter <= 0 {
		return fmt.Errorf("staleness thresholds must be positive")
	}
	return nil
}

// Checker runs the periodic system health checks over a vault.
type Checker struct {
	cfg CheckConfig
	v   *vault.Vault
	now func() time.Time
}

// NewChecker builds a Checker over the vault.
func NewChecker(cfg CheckConfig, v *vault.Vault) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid check config: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	return &Checker{cfg: cfg, v: v, now: time.Now}, nil
}

// Run executes every check and returns the combined findings, sorted by
// check name then target for stable output.
func (c *Checker) Run() []Finding {
	var findings []Finding
	findings = append(findings, c.checkStuckOwned()...)
	findings = append(findings, c.checkQuarantinePileup()...)
	findings = append(findings, c.checkApprovalBacklog()...)
	findings = append(findings, c.checkStalePending()...)
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Check != findings[j].Check {
			return findings[i].Check < findings[j].Check
		}
		return findings[i].Target < findings[j].Target
	})
	return findings
}

// checkStuckOwned flags tasks whose descriptor has sat in owned past the
// staleness threshold. These are candidates for the self-healing loop.
func (c *Checker) checkStuckOwned() []Finding {
	var findings []Finding
	cutoff := c.now().Add(-c.cfg.StuckOwnedAfter)
	for _, id := range c.staleDescriptors(vault.StateOwned, cutoff) {
		findings = append(findings, Finding{
			Check:       "stuck_owned",
			Severity:    SeverityCritical,
			Target:      id,
			Description: fmt.Sprintf("task %s has been owned for more than %s without completing", id, c.cfg.StuckOwnedAfter),
			Recommendation: fmt.Sprintf("The processing call likely hung or the engine died mid-task. "+
				"Run `majordomo redrive %s` or wait for the watchdog to pick it up.", id),
		})
	}
	return findings
}

// checkQuarantinePileup flags the quarantine directory once it reaches the
// configured count.
func (c *Checker) checkQuarantinePileup() []Finding {
	tasks, err := c.v.List(vault.StateQuarantined)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: quarantine check failed: %v\n", err)
		return nil
	}
	if len(tasks) < c.cfg.QuarantineMax {
		return nil
	}
	return []Finding{{
		Check:       "quarantine_pileup",
		Severity:    SeverityWarning,
		Target:      string(vault.StateQuarantined),
		Description: fmt.Sprintf("%d tasks are quarantined (threshold %d)", len(tasks), c.cfg.QuarantineMax),
		Recommendation: "Inspect the reason header of each quarantined descriptor, fix the underlying " +
			"cause, and move recoverable tasks back to available with retry_count reset.",
	}}
}

// checkApprovalBacklog flags a pending-approval queue that is long or has an
// old head.
func (c *Checker) checkApprovalBacklog() []Finding {
	tasks, err := c.v.List(vault.StatePendingApproval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: approval backlog check failed: %v\n", err)
		return nil
	}
	if len(tasks) == 0 {
		return nil
	}

	var oldest time.Duration
	for _, t := range tasks {
		ts := t.ApprovalRequestedAt
		if ts.IsZero() {
			ts = t.QueuedAt
		}
		if age := c.now().Sub(ts); age > oldest {
			oldest = age
		}
	}

	if len(tasks) < c.cfg.ApprovalBacklogMax && oldest < c.cfg.ApprovalOldest {
		return nil
	}
	return []Finding{{
		Check:    "approval_backlog",
		Severity: SeverityWarning,
		Target:   string(vault.StatePendingApproval),
		Description: fmt.Sprintf("%d tasks await approval, oldest for %s",
			len(tasks), oldest.Round(time.Minute)),
		Recommendation: "Run `majordomo review` to approve or reject the waiting tasks.",
	}}
}

// checkStalePending flags available tasks no cycle has picked up.
func (c *Checker) checkStalePending() []Finding {
	var findings []Finding
	cutoff := c.now().Add(-c.cfg.PendingStaleAfter)
	for _, id := range c.staleDescriptors(vault.StateAvailable, cutoff) {
		findings = append(findings, Finding{
			Check:       "stale_pending",
			Severity:    SeverityWarning,
			Target:      id,
			Description: fmt.Sprintf("task %s has been available for more than %s without being claimed", id, c.cfg.PendingStaleAfter),
			Recommendation: "The engine is not running or its batches are saturated. " +
				"Check `majordomo status` and that exactly one engine holds the process lock.",
		})
	}
	return findings
}

// staleDescriptors returns task IDs in a state directory whose descriptor
// mtime is before the cutoff. Mtime is used instead of header timestamps so
// a descriptor rewritten by a retry counts as fresh.
func (c *Checker) staleDescriptors(state vault.State, cutoff time.Time) []string {
	dir := c.v.Dir(state)
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: staleness scan of %s failed: %v\n", state, err)
		return nil
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, task.DescriptorExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			ids = append(ids, strings.TrimSuffix(name, task.DescriptorExt))
		}
	}
	sort.Strings(ids)
	return ids
}
