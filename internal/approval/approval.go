// Package approval is the human-in-the-loop gate: it decides which
// successfully processed tasks need a person's sign-off, parks them in
// pending_approval, and finalizes the ones a human has moved to the
// approved or rejected directory.
package approval

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

// Rules configure the approval gate. Evaluation order is fixed: the
// processor's explicit flag, then high-risk type, then high-priority
// source, then the always-review sources.
type Rules struct {
	// HighRiskTypes require approval when the task is also high priority.
	HighRiskTypes map[string]bool
	// HighPrioritySources require approval when the task is high priority.
	HighPrioritySources map[string]bool
	// AlwaysReviewSources require approval at any priority.
	AlwaysReviewSources map[string]bool
}

// DefaultRules returns the standard rule set.
func DefaultRules() Rules {
	return Rules{
		HighRiskTypes:       task.HighRiskTypes,
		HighPrioritySources: map[string]bool{"gmail": true, "mail": true},
		AlwaysReviewSources: task.AlwaysReviewSources,
	}
}

// Match reports whether the task needs approval and which rule fired.
func (r Rules) Match(t *task.Task) (bool, string) {
	if t.ApprovalRequired {
		return true, "explicit_flag"
	}
	if t.Priority == task.PriorityHigh && r.HighRiskTypes[t.Type] {
		return true, "high_risk_type"
	}
	if t.Priority == task.PriorityHigh && r.HighPrioritySources[t.Source] {
		return true, "high_priority_source"
	}
	if r.AlwaysReviewSources[t.Source] {
		return true, "always_review_source"
	}
	return false, ""
}

// Router applies the rules and finalizes human decisions.
type Router struct {
	rules Rules
	v     *vault.Vault
	audit *audit.Logger
	now   func() time.Time
}

// NewRouter builds a Router over the vault.
func NewRouter(rules Rules, v *vault.Vault, auditLog *audit.Logger) (*Router, error) {
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	return &Router{rules: rules, v: v, audit: auditLog, now: time.Now}, nil
}

// Route checks an owned, successfully processed task against the rules.
// On a match the task moves to pending_approval with the request timestamp
// stamped; otherwise nothing happens and the caller finalizes to done.
func (r *Router) Route(t *task.Task) (bool, error) {
	matched, rule := r.rules.Match(t)
	if !matched {
		return false, nil
	}

	_, err := r.v.Move(t.ID, vault.StateOwned, vault.StatePendingApproval, func(t *task.Task) {
		t.Status = task.StatusPendingApproval
		t.ApprovalRequestedAt = r.now().UTC()
	})
	if err != nil {
		return false, fmt.Errorf("routing %s to approval: %w", t.ID, err)
	}

	if err := r.audit.Record(audit.ActionTaskRoutedToApproval, t.ID, map[string]interface{}{
		"rule": rule,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit approval routing for %s: %v\n", t.ID, err)
	}
	fmt.Printf("Task %s needs approval (%s)\n", t.ID, rule)
	return true, nil
}

// PollApproved finalizes every task a human has moved into the approved
// directory: relocate to done with approval_status=approved. An empty
// directory is a no-op.
func (r *Router) PollApproved(ctx context.Context) (int, error) {
	return r.finalize(ctx, vault.StateApproved, task.ApprovalApproved, audit.ActionTaskApproved)
}

// PollRejected finalizes every task a human has moved into the rejected
// directory: relocate to done with approval_status=rejected.
func (r *Router) PollRejected(ctx context.Context) (int, error) {
	return r.finalize(ctx, vault.StateRejected, task.ApprovalRejected, audit.ActionTaskRejected)
}

func (r *Router) finalize(ctx context.Context, from vault.State, decision task.ApprovalStatus, action audit.ActionType) (int, error) {
	tasks, err := r.v.List(from)
	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", from, err)
	}

	count := 0
	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return count, fmt.Errorf("approval poll interrupted: %w", err)
		}

		_, err := r.v.Move(t.ID, from, vault.StateDone, func(t *task.Task) {
			t.Status = task.StatusDone
			t.ApprovalStatus = decision
			t.ProcessedAt = r.now().UTC()
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to finalize %s from %s: %v\n", t.ID, from, err)
			continue
		}

		if err := r.audit.Log(audit.Entry{
			ActionType:     action,
			Target:         t.ID,
			ApprovalStatus: string(decision),
			Result:         "success",
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to audit %s for %s: %v\n", action, t.ID, err)
		}
		fmt.Printf("Task %s finalized as %s\n", t.ID, decision)
		count++
	}
	return count, nil
}
