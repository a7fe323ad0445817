package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

// fix pins the logger clock so entries land in a known day file.
func fix(l *Logger, ts time.Time) {
	l.now = func() time.Time { return ts }
}

func TestLogAppendsToDayFile(t *testing.T) {
	l := newTestLogger(t)
	day := time.Date(2026, 5, 1, 14, 30, 0, 0, time.UTC)
	fix(l, day)

	if err := l.Record(ActionTaskClaimed, "TASK_1", map[string]interface{}{"source": "gmail"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := l.Record(ActionTaskDone, "TASK_1", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	path := filepath.Join(l.dir, "actions_2026-05-01.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("day file missing: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("day file has %d lines, want 2", len(lines))
	}

	var first Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if first.ActionType != ActionTaskClaimed {
		t.Errorf("action_type = %q, want task_claimed", first.ActionType)
	}
	if first.Actor != DefaultActor {
		t.Errorf("actor = %q, want %q", first.Actor, DefaultActor)
	}
	if first.Target != "TASK_1" {
		t.Errorf("target = %q, want TASK_1", first.Target)
	}
}

func TestLogRejectsUnknownAction(t *testing.T) {
	l := newTestLogger(t)
	err := l.Log(Entry{ActionType: ActionType("task_teleported"), Target: "TASK_1"})
	if err == nil {
		t.Error("expected error for unknown action type")
	}
}

func TestEntriesSpanningMidnightLandInSeparateFiles(t *testing.T) {
	l := newTestLogger(t)

	fix(l, time.Date(2026, 5, 1, 23, 59, 30, 0, time.UTC))
	if err := l.Record(ActionTaskClaimed, "TASK_late", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	fix(l, time.Date(2026, 5, 2, 0, 0, 30, 0, time.UTC))
	if err := l.Record(ActionTaskDone, "TASK_late", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	for _, name := range []string{"actions_2026-05-01.jsonl", "actions_2026-05-02.jsonl"} {
		if _, err := os.Stat(filepath.Join(l.dir, name)); err != nil {
			t.Errorf("expected day file %s: %v", name, err)
		}
	}
}

func TestQueryFilters(t *testing.T) {
	l := newTestLogger(t)
	fix(l, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	seed := []Entry{
		{ActionType: ActionTaskClaimed, Target: "TASK_a"},
		{ActionType: ActionTaskDone, Target: "TASK_a"},
		{ActionType: ActionTaskClaimed, Target: "TASK_b"},
		{ActionType: ActionComponentFailure, Target: "gmail", Error: "503 upstream"},
	}
	for _, entry := range seed {
		if err := l.Log(entry); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	claimed, err := l.Query(Filter{Action: ActionTaskClaimed})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Errorf("claimed entries = %d, want 2", len(claimed))
	}

	byTarget, err := l.Query(Filter{Target: "TASK_a"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(byTarget) != 2 {
		t.Errorf("TASK_a entries = %d, want 2", len(byTarget))
	}

	limited, err := l.Query(Filter{Limit: 3})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(limited) != 3 {
		t.Errorf("limited entries = %d, want 3", len(limited))
	}
}

func TestQueryDayRange(t *testing.T) {
	l := newTestLogger(t)

	days := []time.Time{
		time.Date(2026, 4, 28, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 29, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 30, 12, 0, 0, 0, time.UTC),
	}
	for _, day := range days {
		fix(l, day)
		if err := l.Record(ActionTaskDone, "TASK_x", nil); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := l.Query(Filter{
		From: time.Date(2026, 4, 29, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 4, 29, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("range query = %d entries, want 1", len(got))
	}
	if got[0].Timestamp.Day() != 29 {
		t.Errorf("entry day = %d, want 29", got[0].Timestamp.Day())
	}
}

func TestQuerySkipsTornLines(t *testing.T) {
	l := newTestLogger(t)
	fix(l, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	if err := l.Record(ActionTaskDone, "TASK_ok", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// Simulate a crash mid-append: torn partial JSON on the final line.
	path := filepath.Join(l.dir, "actions_2026-05-01.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"timestamp":"2026-05-01T10:`); err != nil {
		t.Fatalf("append torn line: %v", err)
	}
	f.Close()

	entries, err := l.Query(Filter{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1 (torn line skipped)", len(entries))
	}
}

func TestStatsCountsActionsAndFailures(t *testing.T) {
	l := newTestLogger(t)
	fix(l, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		if err := l.Record(ActionTaskDone, "TASK_n", nil); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := l.Log(Entry{ActionType: ActionTaskQuarantined, Target: "TASK_bad", Error: "failed after 3 attempts"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	stats, err := l.Stats(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByAction[ActionTaskDone] != 3 {
		t.Errorf("task_done count = %d, want 3", stats.ByAction[ActionTaskDone])
	}
	if stats.Failures != 1 {
		t.Errorf("failures = %d, want 1", stats.Failures)
	}
}

func TestPurgeRemovesOnlyExpiredFiles(t *testing.T) {
	l := newTestLogger(t)

	old := time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)
	fix(l, old)
	if err := l.Record(ActionTaskDone, "TASK_old", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	fix(l, recent)
	if err := l.Record(ActionTaskDone, "TASK_recent", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// "Now" is May 1st; 90-day retention keeps April, drops January.
	fix(l, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	removed, err := l.Purge(90)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := os.Stat(filepath.Join(l.dir, "actions_2026-01-10.jsonl")); !os.IsNotExist(err) {
		t.Error("expired day file should be gone")
	}
	if _, err := os.Stat(filepath.Join(l.dir, "actions_2026-04-30.jsonl")); err != nil {
		t.Error("recent day file should survive purge")
	}

	// The purge itself is recorded.
	entries, err := l.Query(Filter{Action: ActionAuditPurged})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("audit_purged entries = %d, want 1", len(entries))
	}
}

func TestPurgeNoopWhenNothingExpired(t *testing.T) {
	l := newTestLogger(t)
	fix(l, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	if err := l.Record(ActionTaskDone, "TASK_x", nil); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	removed, err := l.Purge(90)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestActionTypeVocabulary(t *testing.T) {
	valid := []ActionType{
		ActionTaskQueued, ActionTaskClaimed, ActionTaskDone, ActionTaskRetry,
		ActionTaskQuarantined, ActionTaskRoutedToApproval, ActionTaskApproved,
		ActionTaskRejected, ActionComponentFailure, ActionComponentRecovered,
		ActionOfflineQueued, ActionOfflineFlushed, ActionRalphStarted,
		ActionRalphCompleted, ActionAlertRaised,
	}
	for _, a := range valid {
		if !a.IsValid() {
			t.Errorf("%q should be a valid action type", a)
		}
	}
	if ActionType("task_paused").IsValid() {
		t.Error("unknown action type should be invalid")
	}
	if strings.Contains(string(ActionRalphStarted), " ") {
		t.Error("action types must be snake_case tokens")
	}
}
