package redrive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quillworks/majordomo/internal/agent"
	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/health"
	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

// scriptedProcessor returns canned outputs in order, repeating the last one.
type scriptedProcessor struct {
	outputs []string
	calls   int
}

func (p *scriptedProcessor) Process(ctx context.Context, req agent.Request) (*agent.Result, error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.outputs) {
		idx = len(p.outputs) - 1
	}
	if len(p.outputs) == 0 {
		return &agent.Result{}, nil
	}
	return &agent.Result{Output: p.outputs[idx]}, nil
}

func newTestLoop(t *testing.T, proc agent.Processor) (*Loop, *vault.Vault, *health.Alerter) {
	t.Helper()
	v, err := vault.New(t.TempDir())
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	if err := v.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	auditLog, err := audit.New(audit.Config{Dir: v.AuditDir()})
	if err != nil {
		t.Fatalf("audit.New() error = %v", err)
	}
	alerter, err := health.NewAlerter(v.AlertsDir(), auditLog)
	if err != nil {
		t.Fatalf("NewAlerter() error = %v", err)
	}
	loop, err := NewLoop(DefaultConfig(), proc, v, alerter, auditLog)
	if err != nil {
		t.Fatalf("NewLoop() error = %v", err)
	}
	return loop, v, alerter
}

func TestRunCompletesOnPromise(t *testing.T) {
	proc := &scriptedProcessor{outputs: []string{"still working", "done: TASK COMPLETE"}}
	loop, _, _ := newTestLoop(t, proc)

	outcome, err := loop.Run(context.Background(), Request{
		TaskID:            "TASK_1",
		Goal:              "finish the thing",
		CompletionPromise: "task complete",
		MaxIterations:     5,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Completed() {
		t.Errorf("Completed() = false, want true")
	}
	if outcome.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", outcome.Iterations)
	}
	if proc.calls != 2 {
		t.Errorf("processor calls = %d, want 2", proc.calls)
	}
	// Checkpoint is deleted on success.
	if _, err := os.Stat(loop.statePath("TASK_1")); !os.IsNotExist(err) {
		t.Errorf("redrive state still exists after completion")
	}
}

func TestRunExhaustionAlertsOnce(t *testing.T) {
	proc := &scriptedProcessor{outputs: []string{"no luck"}}
	loop, _, alerter := newTestLoop(t, proc)

	outcome, err := loop.Run(context.Background(), Request{
		TaskID:        "TASK_2",
		Goal:          "finish the thing",
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusMaxIterations {
		t.Errorf("Status = %q, want %q", outcome.Status, StatusMaxIterations)
	}
	if proc.calls != 3 {
		t.Errorf("processor calls = %d, want exactly 3", proc.calls)
	}

	alerts, err := alerter.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want exactly 1", len(alerts))
	}
	if !strings.Contains(alerts[0], health.AlertRalphExhausted) {
		t.Errorf("alert %q does not carry the exhaustion kind", alerts[0])
	}

	// The checkpoint stays behind, and a second Run does not retry.
	st, err := loop.loadState("TASK_2")
	if err != nil || st == nil {
		t.Fatalf("loadState() = %v, %v; want surviving state", st, err)
	}
	if st.Status != StatusMaxIterations {
		t.Errorf("state status = %q, want %q", st.Status, StatusMaxIterations)
	}
	again, err := loop.Run(context.Background(), Request{TaskID: "TASK_2", Goal: "finish", MaxIterations: 3})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if again.Status != StatusMaxIterations || proc.calls != 3 {
		t.Errorf("second Run retried: status %q, calls %d", again.Status, proc.calls)
	}
	if len(mustList(t, alerter)) != 1 {
		t.Errorf("second Run raised an additional alert")
	}
}

func mustList(t *testing.T, a *health.Alerter) []string {
	t.Helper()
	names, err := a.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return names
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	proc := &scriptedProcessor{outputs: []string{"never matches"}}
	loop, _, _ := newTestLoop(t, proc)

	// Simulate a crash after iteration 2 of 5.
	st := &State{
		TaskID:            "TASK_3",
		Goal:              "finish the thing",
		CompletionPromise: DefaultPromise,
		Iteration:         2,
		MaxIterations:     5,
		LastOutput:        "partial progress",
		Status:            "running",
		StartedAt:         time.Now().UTC().Add(-time.Hour),
	}
	if err := loop.saveState(st); err != nil {
		t.Fatalf("saveState() error = %v", err)
	}

	outcome, err := loop.Run(context.Background(), Request{TaskID: "TASK_3", Goal: "finish the thing"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Status != StatusMaxIterations {
		t.Errorf("Status = %q, want %q", outcome.Status, StatusMaxIterations)
	}
	// Iterations 3, 4, 5 remain — not five fresh ones.
	if proc.calls != 3 {
		t.Errorf("processor calls = %d, want 3 (resume at iteration 3)", proc.calls)
	}
	if outcome.Iterations != 5 {
		t.Errorf("Iterations = %d, want 5", outcome.Iterations)
	}
}

func TestOracleArtifactGlob(t *testing.T) {
	proc := &scriptedProcessor{outputs: []string{"output without the promise"}}
	loop, v, _ := newTestLoop(t, proc)

	// Drop the expected artifact into done before the run.
	tk := &task.Task{
		ID:           "TASK_4",
		Source:       "file_drop",
		Status:       task.StatusDone,
		ContentHash:  "blake3:beef",
		OriginalName: "x.txt",
		QueuedAt:     time.Now().UTC(),
	}
	if err := v.WriteDescriptor(vault.StateDone, tk); err != nil {
		t.Fatalf("WriteDescriptor() error = %v", err)
	}

	outcome, err := loop.Run(context.Background(), Request{
		TaskID:            "TASK_4",
		Goal:              "finish",
		CompletionPromise: "will never appear",
		ArtifactGlob:      filepath.Join("done", "TASK_4.md"),
		MaxIterations:     4,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.Completed() || outcome.Iterations != 1 {
		t.Errorf("outcome = %+v, want completed after 1 iteration", outcome)
	}
}

func TestScanRedrivesStaleOwnedOnly(t *testing.T) {
	proc := &scriptedProcessor{outputs: []string{"TASK COMPLETE"}}
	loop, v, _ := newTestLoop(t, proc)

	write := func(id string) {
		t.Helper()
		tk := &task.Task{
			ID:           id,
			Source:       "gmail",
			Status:       task.StatusInProgress,
			ContentHash:  "blake3:" + id,
			OriginalName: id + ".eml",
			QueuedAt:     time.Now().UTC().Add(-2 * time.Hour),
		}
		if err := v.WriteDescriptor(vault.StateOwned, tk); err != nil {
			t.Fatalf("WriteDescriptor(%s) error = %v", id, err)
		}
	}
	write("TASK_STALE")
	write("TASK_FRESH")

	// Age only the stale one past the threshold.
	old := time.Now().Add(-time.Hour)
	stalePath := v.DescriptorPath(vault.StateOwned, "TASK_STALE")
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	outcomes, err := loop.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	outcome, ok := outcomes["TASK_STALE"]
	if !ok || !outcome.Completed() {
		t.Errorf("stale task outcome = %+v, want completed", outcome)
	}
}

func TestMaxIterationsForFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		taskType string
		want     int
	}{
		{"weekly_audit", 10},
		{"invoice_generation", 3},
		{"unknown_type", cfg.DefaultMaxIterations},
		{"", cfg.DefaultMaxIterations},
	}
	for _, tt := range tests {
		if got := cfg.MaxIterationsFor(tt.taskType); got != tt.want {
			t.Errorf("MaxIterationsFor(%q) = %d, want %d", tt.taskType, got, tt.want)
		}
	}
}
