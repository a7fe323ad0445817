// Package task defines the descriptor model for units of work moving
// through the lifecycle engine: the Task struct, its status state machine,
// and the text codec for the on-disk descriptor format.
package task

import (
	"fmt"
	"strings"
	"time"
)

// DescriptorExt is the file extension for task descriptors. A companion
// payload shares the descriptor's base name with its own extension.
const DescriptorExt = ".md"

// Task represents one unit of work. The ID is derived from the descriptor
// filename at ingestion and never changes; only Status, RetryCount and the
// timestamp fields are mutated across the task's lifetime.
type Task struct {
	ID                  string
	Source              string
	Status              Status
	Type                string
	Priority            Priority
	RetryCount          int
	ContentHash         string
	OriginalName        string
	QueuedAt            time.Time
	ProcessedAt         time.Time
	ApprovalRequestedAt time.Time
	ApprovalRequired    bool
	ApprovalStatus      ApprovalStatus
	Reason              string

	// Body is the free-form text below the header block. The reasoning
	// backend rewrites it in place during processing.
	Body string

	// Extra holds header keys this engine does not interpret. They are
	// preserved verbatim through a decode/encode round trip.
	Extra map[string]string
}

// Validate checks if the task has valid field values
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(t.ID, "/\\") {
		return fmt.Errorf("id must not contain path separators (got %q)", t.ID)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative (got %d)", t.RetryCount)
	}
	if t.Source == "" {
		return fmt.Errorf("source is required")
	}
	if t.ContentHash == "" {
		return fmt.Errorf("content_hash is required")
	}
	if t.QueuedAt.IsZero() {
		return fmt.Errorf("queued_at is required")
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", t.Priority)
	}
	if !t.ApprovalStatus.IsValid() {
		return fmt.Errorf("invalid approval_status: %s", t.ApprovalStatus)
	}
	return nil
}

// DescriptorName returns the on-disk filename for this task's descriptor.
func (t *Task) DescriptorName() string {
	return t.ID + DescriptorExt
}

// Status represents the lifecycle state of a task. It is a redundant,
// human-readable mirror of the state directory containing the descriptor
// and must agree with it after every engine-performed transition.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusDone            Status = "done"
	StatusQuarantined     Status = "quarantined"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPendingApproval, StatusDone, StatusQuarantined:
		return true
	}
	return false
}

// ValidTransitions defines the valid transitions for the task status machine.
//
// Status diagram:
//
//	pending → in_progress → done
//	    ↑          ↓     ↘
//	    └──────────┘      pending_approval → done
//	               ↓
//	          quarantined
//
// Valid transitions:
//   - pending → in_progress (engine claims the task)
//   - in_progress → done (processed, no approval required)
//   - in_progress → pending_approval (processed, HITL gate)
//   - in_progress → pending (failure, retries remain)
//   - in_progress → quarantined (failure, retries exhausted)
//   - pending_approval → done (human approved or rejected)
func (s Status) ValidTransitions() []Status {
	switch s {
	case StatusPending:
		return []Status{StatusInProgress}
	case StatusInProgress:
		return []Status{StatusDone, StatusPendingApproval, StatusPending, StatusQuarantined}
	case StatusPendingApproval:
		return []Status{StatusDone}
	case StatusDone:
		return []Status{} // Terminal state
	case StatusQuarantined:
		return []Status{} // Terminal state
	default:
		return []Status{}
	}
}

// CanTransitionTo checks if a transition from this status to the target is valid
func (s Status) CanTransitionTo(target Status) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// Priority represents the urgency of a task, set by the ingestion watcher
// or rewritten by the reasoning backend.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
	// PriorityUnset is the zero value for descriptors whose backend has not
	// assigned a priority yet. Treated as normal for ordering.
	PriorityUnset Priority = ""
)

// IsValid checks if the priority value is valid
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow, PriorityUnset:
		return true
	}
	return false
}

// ApprovalStatus records the human decision for a task that passed through
// the approval gate.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalNone is the zero value for tasks that never required approval.
	ApprovalNone ApprovalStatus = ""
)

// IsValid checks if the approval status value is valid
func (a ApprovalStatus) IsValid() bool {
	switch a {
	case ApprovalApproved, ApprovalRejected, ApprovalNone:
		return true
	}
	return false
}

// SourcePriority ranks ingestion channels for in-batch ordering. Higher
// values are processed first; unknown sources rank lowest. There is no
// global FIFO across channels.
func SourcePriority(source string) int {
	switch source {
	case "whatsapp", "chat":
		return 3
	case "gmail", "mail":
		return 2
	case "file_drop":
		return 1
	default:
		return 0
	}
}

// HighRiskTypes are processing categories that always require human
// approval when combined with high priority.
var HighRiskTypes = map[string]bool{
	"invoice":  true,
	"contract": true,
}

// AlwaysReviewSources are channels whose tasks are routed to approval
// unconditionally after successful processing (outbound public posts).
var AlwaysReviewSources = map[string]bool{
	"linkedin": true,
	"twitter":  true,
}
