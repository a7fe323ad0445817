package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quillworks/majordomo/internal/agent"
	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/health"
	"github.com/quillworks/majordomo/internal/recovery"
	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

// RunCycle performs one lifecycle cycle: claim a batch of pending tasks,
// process each through the backend, route the results, then poll the human
// approval directories. Returns the number of tasks processed.
func (e *Engine) RunCycle(ctx context.Context) (int, error) {
	batch, err := e.nextBatch()
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, t := range batch {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("cycle interrupted: %w", err)
		}
		if e.processOne(ctx, t) {
			processed++
		}
	}

	if _, err := e.cfg.Router.PollApproved(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: approved poll failed: %v\n", err)
	}
	if _, err := e.cfg.Router.PollRejected(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: rejected poll failed: %v\n", err)
	}
	return processed, nil
}

// nextBatch selects up to MaxBatchSize pending tasks, ordered by channel
// priority then age. There is no global FIFO across channels.
func (e *Engine) nextBatch() ([]*task.Task, error) {
	tasks, err := e.cfg.Vault.List(vault.StateAvailable)
	if err != nil {
		return nil, fmt.Errorf("listing available tasks: %w", err)
	}

	pending := tasks[:0]
	for _, t := range tasks {
		if t.Status == task.StatusPending {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		pi, pj := task.SourcePriority(pending[i].Source), task.SourcePriority(pending[j].Source)
		if pi != pj {
			return pi > pj
		}
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})
	if len(pending) > e.cfg.MaxBatchSize {
		pending = pending[:e.cfg.MaxBatchSize]
	}
	return pending, nil
}

// processOne claims and processes a single task. Returns true when the task
// was claimed by this engine (regardless of outcome); a lost claim race
// returns false silently.
func (e *Engine) processOne(ctx context.Context, t *task.Task) bool {
	owned, err := e.cfg.Vault.Claim(t.ID)
	if err != nil {
		if errors.Is(err, vault.ErrTaskNotFound) {
			// Another engine or a concurrent cycle won the rename.
			return false
		}
		fmt.Fprintf(os.Stderr, "Warning: claiming %s: %v\n", t.ID, err)
		return false
	}
	if err := e.cfg.Audit.Record(audit.ActionTaskClaimed, owned.ID, map[string]interface{}{
		"source":      owned.Source,
		"retry_count": owned.RetryCount,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit claim of %s: %v\n", owned.ID, err)
	}

	_, perr := e.cfg.Processor.Process(ctx, agent.Request{
		TaskID:         owned.ID,
		TaskType:       owned.Type,
		Goal:           processGoal(owned),
		DescriptorPath: e.cfg.Vault.DescriptorPath(vault.StateOwned, owned.ID),
		Timeout:        e.cfg.ProcessorCfg.TimeoutFor(owned.Type),
	})
	if perr != nil {
		e.handleFailure(owned, perr)
		return true
	}

	e.cfg.Health.MarkHealthy(ReasoningComponent)
	if err := e.finalizeProcessed(ctx, owned.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: finalizing %s: %v\n", owned.ID, err)
	}
	return true
}

// finalizeProcessed re-reads a successfully processed descriptor (the
// backend rewrites it in place, so the claimed copy is stale) and either
// routes it to approval or moves it to done.
func (e *Engine) finalizeProcessed(_ context.Context, id string) error {
	t, err := e.cfg.Vault.Read(vault.StateOwned, id)
	if err != nil {
		return fmt.Errorf("re-reading %s after processing: %w", id, err)
	}

	routed, err := e.cfg.Router.Route(t)
	if err != nil {
		return err
	}
	if routed {
		return nil
	}

	done, err := e.cfg.Vault.Move(id, vault.StateOwned, vault.StateDone, func(t *task.Task) {
		t.Status = task.StatusDone
		t.ProcessedAt = time.Now().UTC()
	})
	if err != nil {
		return fmt.Errorf("finalizing %s to done: %w", id, err)
	}
	if err := e.cfg.Audit.Record(audit.ActionTaskDone, id, map[string]interface{}{
		"type":        done.Type,
		"retry_count": done.RetryCount,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit completion of %s: %v\n", id, err)
	}
	fmt.Printf("Task %s done\n", id)
	return nil
}

// handleFailure routes a processing failure by its classified kind. Payment
// and auth failures are policy violations, not retryable conditions; they
// escalate immediately. Everything else goes through the task-level
// retry/quarantine policy.
func (e *Engine) handleFailure(t *task.Task, perr error) {
	ce := recovery.Classify(ReasoningComponent, perr)
	component := ce.Component
	if component == "" {
		component = ReasoningComponent
	}

	switch ce.Kind {
	case recovery.KindPayment:
		e.handlePaymentFailure(t, component, perr)
		return
	case recovery.KindAuth:
		e.handleAuthFailure(t, component, perr)
		return
	}

	e.cfg.Health.MarkFailure(component, perr)

	if ce.Kind == recovery.KindPermanent {
		e.quarantine(t, t.RetryCount+1, fmt.Sprintf("permanent failure: %v", perr), true)
		return
	}
	e.retryOrQuarantine(t, perr)
}

// handlePaymentFailure escalates a money-touching failure. The task's
// retry_count is deliberately left untouched: a payment failure is not an
// attempt that backoff can absorb, it is a stop-the-line event needing
// fresh human approval. The task parks in pending_approval so the review
// flow owns it.
func (e *Engine) handlePaymentFailure(t *task.Task, component string, perr error) {
	if _, err := e.cfg.Alerter.Raise(health.Alert{
		Kind:      health.AlertPaymentApproval,
		Severity:  health.SeverityCritical,
		Component: component,
		Target:    t.ID,
		Summary:   fmt.Sprintf("payment failure on %s requires fresh human approval", t.ID),
		Detail:    fmt.Sprintf("Error: %v", perr),
		Action: fmt.Sprintf("No automatic retry will happen, ever. Review task %s with "+
			"`majordomo review`: approve it only after verifying the payment state with the "+
			"provider, or reject it to stand down.", t.ID),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to raise payment alert for %s: %v\n", t.ID, err)
	}

	_, err := e.cfg.Vault.Move(t.ID, vault.StateOwned, vault.StatePendingApproval, func(t *task.Task) {
		t.Status = task.StatusPendingApproval
		t.ApprovalRequestedAt = time.Now().UTC()
		t.Reason = fmt.Sprintf("payment failure: %v", perr)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: parking %s for payment approval: %v\n", t.ID, err)
		return
	}
	if err := e.cfg.Audit.Record(audit.ActionTaskRoutedToApproval, t.ID, map[string]interface{}{
		"rule": "payment_failure",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit payment routing for %s: %v\n", t.ID, err)
	}
}

// handleAuthFailure alerts, halts the whole integration, and quarantines
// the task. The auth alert carries the unblock action, so quarantining here
// does not raise a second one.
func (e *Engine) handleAuthFailure(t *task.Task, component string, perr error) {
	if _, err := e.cfg.Alerter.Raise(health.Alert{
		Kind:      health.AlertAuthFailure,
		Severity:  health.SeverityCritical,
		Component: component,
		Target:    t.ID,
		Summary:   fmt.Sprintf("authentication failure on %s", component),
		Detail:    fmt.Sprintf("Task %s failed with: %v", t.ID, perr),
		Action: fmt.Sprintf("The %s integration is halted until its credentials are fixed. "+
			"Rotate or refresh them, then move the quarantined task back to available.", component),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to raise auth alert for %s: %v\n", t.ID, err)
	}
	e.cfg.Health.Halt(component, perr)
	e.quarantine(t, t.RetryCount+1, fmt.Sprintf("auth failure on %s: %v", component, perr), false)
}

// retryOrQuarantine applies the task-level attempt ceiling: increment
// retry_count, requeue while attempts remain, quarantine once exhausted.
func (e *Engine) retryOrQuarantine(t *task.Task, perr error) {
	newCount := t.RetryCount + 1
	if newCount >= e.cfg.MaxRetries {
		e.quarantine(t, newCount, fmt.Sprintf("failed %d times, last error: %v", newCount, perr), true)
		return
	}

	_, err := e.cfg.Vault.Move(t.ID, vault.StateOwned, vault.StateAvailable, func(t *task.Task) {
		t.Status = task.StatusPending
		t.RetryCount = newCount
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: requeueing %s: %v\n", t.ID, err)
		return
	}
	if err := e.cfg.Audit.Log(audit.Entry{
		ActionType: audit.ActionTaskRetry,
		Target:     t.ID,
		Parameters: map[string]interface{}{"retry_count": newCount, "max_retries": e.cfg.MaxRetries},
		Result:     "failure",
		Error:      perr.Error(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit retry of %s: %v\n", t.ID, err)
	}
	fmt.Printf("Task %s requeued (attempt %d/%d)\n", t.ID, newCount, e.cfg.MaxRetries)
}

// quarantine moves a task to the quarantined directory with its reason and
// final retry count, optionally raising the terminal-failure alert.
func (e *Engine) quarantine(t *task.Task, retryCount int, reason string, raiseAlert bool) {
	_, err := e.cfg.Vault.Move(t.ID, vault.StateOwned, vault.StateQuarantined, func(t *task.Task) {
		t.Status = task.StatusQuarantined
		t.RetryCount = retryCount
		t.Reason = reason
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: quarantining %s: %v\n", t.ID, err)
		return
	}
	if err := e.cfg.Audit.Log(audit.Entry{
		ActionType: audit.ActionTaskQuarantined,
		Target:     t.ID,
		Parameters: map[string]interface{}{"retry_count": retryCount},
		Result:     "failure",
		Error:      reason,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit quarantine of %s: %v\n", t.ID, err)
	}

	if raiseAlert {
		if _, err := e.cfg.Alerter.Raise(health.Alert{
			Kind:     health.AlertQuarantine,
			Severity: health.SeverityWarning,
			Target:   t.ID,
			Summary:  fmt.Sprintf("task %s quarantined", t.ID),
			Detail:   reason,
			Action: fmt.Sprintf("Inspect %s in the quarantined directory, fix the cause, and move "+
				"the descriptor back to available with retry_count reset to resume.", t.ID),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to raise quarantine alert for %s: %v\n", t.ID, err)
		}
	}
	fmt.Printf("Task %s quarantined: %s\n", t.ID, reason)
}

// processGoal renders the standing instruction for one processing attempt.
func processGoal(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Process this %s task end to end.\n\n", t.Source)
	b.WriteString("Read the descriptor, do the work its body describes, then rewrite the descriptor in place:\n")
	b.WriteString("- replace the body with a concise summary of what you did\n")
	b.WriteString("- set the `type` header (invoice, contract, or other)\n")
	b.WriteString("- set the `priority` header (high, normal, or low)\n")
	b.WriteString("- set `approval_required: true` if the outcome moves money, sends an outbound message, or posts publicly\n")
	b.WriteString("Do not change any other header field.\n")
	return b.String()
}
