// Package audit appends one JSON object per line to a per-UTC-day log
// file. Every lifecycle transition and decision lands here; reporting
// consumes these files downstream.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ActionType identifies what happened. The vocabulary is closed: Log
// rejects unknown actions so the downstream reporting contract never sees
// surprise values.
type ActionType string

const (
	ActionTaskQueued            ActionType = "task_queued"
	ActionTaskClaimed           ActionType = "task_claimed"
	ActionTaskDone              ActionType = "task_done"
	ActionTaskRetry             ActionType = "task_retry"
	ActionTaskQuarantined       ActionType = "task_quarantined"
	ActionTaskRoutedToApproval  ActionType = "task_routed_to_approval"
	ActionTaskApproved          ActionType = "task_approved"
	ActionTaskRejected          ActionType = "task_rejected"
	ActionTaskDuplicateDropped  ActionType = "task_duplicate_dropped"
	ActionComponentFailure      ActionType = "component_failure"
	ActionComponentRecovered    ActionType = "component_recovered"
	ActionOfflineQueued         ActionType = "offline_queued"
	ActionOfflineFlushed        ActionType = "offline_flushed"
	ActionRalphStarted          ActionType = "ralph_started"
	ActionRalphCompleted        ActionType = "ralph_completed"
	ActionEngineStarted         ActionType = "engine_started"
	ActionEngineStopped         ActionType = "engine_stopped"
	ActionWatcherStarted        ActionType = "watcher_started"
	ActionWatcherStopped        ActionType = "watcher_stopped"
	ActionAlertRaised           ActionType = "alert_raised"
	ActionAuditPurged           ActionType = "audit_purged"
)

// IsValid checks if the action type value is valid
func (a ActionType) IsValid() bool {
	switch a {
	case ActionTaskQueued, ActionTaskClaimed, ActionTaskDone, ActionTaskRetry,
		ActionTaskQuarantined, ActionTaskRoutedToApproval, ActionTaskApproved,
		ActionTaskRejected, ActionTaskDuplicateDropped, ActionComponentFailure,
		ActionComponentRecovered, ActionOfflineQueued, ActionOfflineFlushed,
		ActionRalphStarted, ActionRalphCompleted, ActionEngineStarted,
		ActionEngineStopped, ActionWatcherStarted, ActionWatcherStopped,
		ActionAlertRaised, ActionAuditPurged:
		return true
	}
	return false
}

// Entry is one audit record.
type Entry struct {
	Timestamp      time.Time              `json:"timestamp"`
	ActionType     ActionType             `json:"action_type"`
	Actor          string                 `json:"actor"`
	Target         string                 `json:"target"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	ApprovalStatus string                 `json:"approval_status,omitempty"`
	ApprovedBy     string                 `json:"approved_by,omitempty"`
	Result         string                 `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// DefaultActor is recorded when an entry does not name its actor.
const DefaultActor = "majordomo"

const (
	filePrefix = "actions_"
	fileSuffix = ".jsonl"
	dayFormat  = "2006-01-02"
)

// Logger appends entries to one file per UTC day under its directory.
type Logger struct {
	dir   string
	actor string

	mu  sync.Mutex
	now func() time.Time
}

// Config holds audit logger configuration.
type Config struct {
	// Dir is the directory holding the daily log files.
	Dir string
	// Actor stamps entries that do not set their own. Defaults to
	// DefaultActor.
	Actor string
}

// New creates an audit logger, creating the log directory if needed.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	actor := cfg.Actor
	if actor == "" {
		actor = DefaultActor
	}
	return &Logger{dir: cfg.Dir, actor: actor, now: time.Now}, nil
}

// Log appends one entry to the current UTC day's file. Timestamp and actor
// default when unset; the file is synced before Log returns so a crash
// never loses an acknowledged entry.
func (l *Logger) Log(entry Entry) error {
	if !entry.ActionType.IsValid() {
		return fmt.Errorf("unknown audit action type %q", entry.ActionType)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if entry.Actor == "" {
		entry.Actor = l.actor
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	path := l.dayFile(entry.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return nil
}

// Record is a convenience wrapper for the common success-path entry.
func (l *Logger) Record(action ActionType, target string, params map[string]interface{}) error {
	return l.Log(Entry{
		ActionType: action,
		Target:     target,
		Parameters: params,
		Result:     "success",
	})
}

func (l *Logger) dayFile(ts time.Time) string {
	return filepath.Join(l.dir, filePrefix+ts.UTC().Format(dayFormat)+fileSuffix)
}
