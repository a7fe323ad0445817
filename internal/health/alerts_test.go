package health

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quillworks/majordomo/internal/audit"
)

func newTestAlerter(t *testing.T) (*Alerter, *audit.Logger) {
	t.Helper()
	auditLog, err := audit.New(audit.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("audit.New() error = %v", err)
	}
	alerter, err := NewAlerter(t.TempDir(), auditLog)
	if err != nil {
		t.Fatalf("NewAlerter() error = %v", err)
	}
	return alerter, auditLog
}

func TestRaiseWritesArtifactAndAudits(t *testing.T) {
	alerter, auditLog := newTestAlerter(t)

	path, err := alerter.Raise(Alert{
		Kind:      AlertPaymentApproval,
		Severity:  SeverityCritical,
		Component: "stripe",
		Target:    "TASK_20260501T120000Z_invoice",
		Summary:   "payment failed and needs fresh approval",
		Detail:    "Card declined while paying invoice #42.",
		Action:    "Review the charge, then re-approve the task explicitly.",
	})
	if err != nil {
		t.Fatalf("Raise() error = %v", err)
	}

	name := filepath.Base(path)
	if !strings.HasPrefix(name, "ALERT_") || !strings.HasSuffix(name, "_payment_approval_required.md") {
		t.Errorf("unexpected alert filename %s", name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading alert: %v", err)
	}
	body := string(data)
	for _, want := range []string{
		"# ALERT: payment failed and needs fresh approval",
		"- severity: critical",
		"- component: stripe",
		"## What happened",
		"## Recommended action",
		"re-approve the task explicitly",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("alert body missing %q:\n%s", want, body)
		}
	}

	entries, err := auditLog.Query(audit.Filter{Action: audit.ActionAlertRaised})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 alert_raised entry, got %d", len(entries))
	}
	if entries[0].Target != "TASK_20260501T120000Z_invoice" {
		t.Errorf("audit target = %s", entries[0].Target)
	}
	if entries[0].Parameters["kind"] != AlertPaymentApproval {
		t.Errorf("audit kind = %v", entries[0].Parameters["kind"])
	}
}

func TestRaiseRequiresKindAndDefaultsSeverity(t *testing.T) {
	alerter, _ := newTestAlerter(t)

	if _, err := alerter.Raise(Alert{Summary: "no kind"}); err == nil {
		t.Error("expected error for missing kind")
	}

	path, err := alerter.Raise(Alert{Kind: AlertQuarantine, Summary: "quarantined"})
	if err != nil {
		t.Fatalf("Raise() error = %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "- severity: warning") {
		t.Error("expected default severity warning")
	}
}

func TestListReturnsAlertsOldestFirst(t *testing.T) {
	alerter, _ := newTestAlerter(t)

	var created []string
	for _, kind := range []string{AlertComponentDown, AlertAuthFailure, AlertRalphExhausted} {
		path, err := alerter.Raise(Alert{Kind: kind, Summary: kind})
		if err != nil {
			t.Fatalf("Raise() error = %v", err)
		}
		created = append(created, filepath.Base(path))
	}

	// Drop a non-alert file in the directory; List must ignore it.
	if err := os.WriteFile(filepath.Join(alerter.dir, "README.md"), []byte("notes"), 0644); err != nil {
		t.Fatal(err)
	}

	names, err := alerter.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != len(created) {
		t.Fatalf("List() returned %d names, want %d", len(names), len(created))
	}
	for i := range created {
		if names[i] != created[i] {
			t.Errorf("List()[%d] = %s, want %s (creation order)", i, names[i], created[i])
		}
	}
}
