package health

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quillworks/majordomo/internal/audit"
)

// Severity grades an alert for the human reading the alerts directory.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert kinds. Health checks and callers may also supply their own kind
// strings; these are the ones raised by the engine itself.
const (
	AlertComponentDown   = "component_down"
	AlertAuthFailure     = "auth_failure"
	AlertPaymentApproval = "payment_approval_required"
	AlertRalphExhausted  = "ralph_exhausted"
	AlertQuarantine      = "quarantine"
)

// Alert is one human-actionable event. It is rendered to a markdown file in
// the alerts directory; the engine never reads these back.
type Alert struct {
	Kind      string
	Severity  Severity
	Component string
	Target    string
	Summary   string
	Detail    string
	Action    string
}

// Alerter writes alert artifacts and records them in the audit log.
type Alerter struct {
	dir   string
	audit *audit.Logger
	now   func() time.Time
}

// NewAlerter creates the alerts directory if needed.
func NewAlerter(dir string, auditLog *audit.Logger) (*Alerter, error) {
	if dir == "" {
		return nil, fmt.Errorf("alerts dir is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create alerts dir: %w", err)
	}
	return &Alerter{dir: dir, audit: auditLog, now: time.Now}, nil
}

// Raise writes one alert file named ALERT_<ulid>_<kind>.md and returns its
// path. ULID filenames keep the directory listing in creation order.
func (a *Alerter) Raise(al Alert) (string, error) {
	if al.Kind == "" {
		return "", fmt.Errorf("alert kind is required")
	}
	if al.Severity == "" {
		al.Severity = SeverityWarning
	}

	name := fmt.Sprintf("ALERT_%s_%s.md", ulid.Make().String(), al.Kind)
	path := filepath.Join(a.dir, name)

	raisedAt := a.now().UTC().Format(time.RFC3339)
	var b strings.Builder
	fmt.Fprintf(&b, "# ALERT: %s\n\n", al.Summary)
	fmt.Fprintf(&b, "- kind: %s\n", al.Kind)
	fmt.Fprintf(&b, "- severity: %s\n", al.Severity)
	if al.Component != "" {
		fmt.Fprintf(&b, "- component: %s\n", al.Component)
	}
	if al.Target != "" {
		fmt.Fprintf(&b, "- target: %s\n", al.Target)
	}
	fmt.Fprintf(&b, "- raised_at: %s\n", raisedAt)
	if al.Detail != "" {
		fmt.Fprintf(&b, "\n## What happened\n\n%s\n", strings.TrimRight(al.Detail, "\n"))
	}
	if al.Action != "" {
		fmt.Fprintf(&b, "\n## Recommended action\n\n%s\n", strings.TrimRight(al.Action, "\n"))
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write alert %s: %w", name, err)
	}

	params := map[string]interface{}{
		"kind":     al.Kind,
		"severity": string(al.Severity),
	}
	if al.Component != "" {
		params["component"] = al.Component
	}
	target := al.Target
	if target == "" {
		target = al.Component
	}
	if err := a.audit.Log(audit.Entry{
		ActionType: audit.ActionAlertRaised,
		Target:     target,
		Parameters: params,
		Result:     "success",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: alert %s written but not audited: %v\n", name, err)
	}

	fmt.Printf("🚨 Alert raised: %s (%s)\n", al.Summary, name)
	return path, nil
}

// List returns alert filenames oldest-first.
func (a *Alerter) List() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read alerts dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "ALERT_") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
