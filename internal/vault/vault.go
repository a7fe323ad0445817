// Package vault owns the on-disk task store: one directory per lifecycle
// state, atomic descriptor writes, the claim-by-rename ownership primitive,
// and the engine process lock. Moving a descriptor between state directories
// is the state transition; no database fronts the filesystem.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quillworks/majordomo/internal/task"
)

// State identifies a lifecycle state directory. The string value is the
// directory name under the vault root.
type State string

const (
	StateAvailable       State = "available"
	StateOwned           State = "owned"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateDone            State = "done"
	StateQuarantined     State = "quarantined"
)

// AllStates lists every lifecycle state directory in display order.
var AllStates = []State{
	StateAvailable,
	StateOwned,
	StatePendingApproval,
	StateApproved,
	StateRejected,
	StateDone,
	StateQuarantined,
}

// IsValid checks if the state value is valid
func (s State) IsValid() bool {
	for _, valid := range AllStates {
		if s == valid {
			return true
		}
	}
	return false
}

// Support directories alongside the state directories.
const (
	inboxDirName   = "inbox"
	queueDirName   = "queue"
	alertsDirName  = "alerts"
	auditDirName   = "audit"
	runtimeDirName = "state"
)

// ErrTaskNotFound is returned when a descriptor is absent from the expected
// state directory. A concurrent claimer losing the rename race observes
// exactly this error.
var ErrTaskNotFound = errors.New("task not found")

// Vault is the root handle for all state directories.
type Vault struct {
	root string
}

// New creates a vault handle rooted at the given directory. Call Init to
// create the directory layout.
func New(root string) (*Vault, error) {
	if root == "" {
		return nil, fmt.Errorf("vault root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving vault root: %w", err)
	}
	return &Vault{root: abs}, nil
}

// Init creates every state and support directory. Safe to call repeatedly.
func (v *Vault) Init() error {
	dirs := []string{v.root, v.InboxDir(), v.QueueDir(), v.AlertsDir(), v.AuditDir(), v.RuntimeDir()}
	for _, s := range AllStates {
		dirs = append(dirs, v.Dir(s))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating vault directory %s: %w", dir, err)
		}
	}
	return nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

// Dir returns the directory for a lifecycle state.
func (v *Vault) Dir(s State) string { return filepath.Join(v.root, string(s)) }

// InboxDir is where ingestion watchers pick up raw arrivals.
func (v *Vault) InboxDir() string { return filepath.Join(v.root, inboxDirName) }

// QueueDir is the root of the per-component offline queues.
func (v *Vault) QueueDir() string { return filepath.Join(v.root, queueDirName) }

// AlertsDir holds human-actionable alert artifacts.
func (v *Vault) AlertsDir() string { return filepath.Join(v.root, alertsDirName) }

// AuditDir holds the daily JSONL audit logs.
func (v *Vault) AuditDir() string { return filepath.Join(v.root, auditDirName) }

// RuntimeDir holds engine-internal state (redrive checkpoints, the
// ingestion index database).
func (v *Vault) RuntimeDir() string { return filepath.Join(v.root, runtimeDirName) }

// DescriptorPath returns the path a task's descriptor would occupy in the
// given state directory.
func (v *Vault) DescriptorPath(s State, id string) string {
	return filepath.Join(v.Dir(s), id+task.DescriptorExt)
}

// Read loads and decodes a descriptor from a state directory.
func (v *Vault) Read(s State, id string) (*task.Task, error) {
	return v.readPath(v.DescriptorPath(s, id), id)
}

func (v *Vault) readPath(path, id string) (*task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("reading descriptor %s: %w", path, err)
	}
	t, err := task.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding descriptor %s: %w", path, err)
	}
	t.ID = id
	return t, nil
}

// List returns all decodable descriptors in a state directory, ordered by
// queued_at then ID. Malformed descriptors are skipped with a warning so
// one corrupt file cannot stall the whole cycle.
func (v *Vault) List(s State) ([]*task.Task, error) {
	entries, err := os.ReadDir(v.Dir(s))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s, err)
	}

	var tasks []*task.Task
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, task.DescriptorExt) {
			continue
		}
		id := strings.TrimSuffix(name, task.DescriptorExt)
		t, err := v.Read(s, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping malformed descriptor %s in %s: %v\n", name, s, err)
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].QueuedAt.Equal(tasks[j].QueuedAt) {
			return tasks[i].QueuedAt.Before(tasks[j].QueuedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// Counts returns the number of descriptors in every state directory, for
// the status board.
func (v *Vault) Counts() (map[State]int, error) {
	counts := make(map[State]int, len(AllStates))
	for _, s := range AllStates {
		entries, err := os.ReadDir(v.Dir(s))
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", s, err)
		}
		n := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, task.DescriptorExt) {
				continue
			}
			n++
		}
		counts[s] = n
	}
	return counts, nil
}

// Companions returns the filenames of payload files traveling with the
// given task in a state directory: same base name, any other extension.
func (v *Vault) Companions(s State, id string) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(s))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == id+task.DescriptorExt || strings.HasPrefix(name, ".") {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == id {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Locate scans every state directory for a task ID and reports which state
// currently holds it.
func (v *Vault) Locate(id string) (State, error) {
	for _, s := range AllStates {
		if _, err := os.Stat(v.DescriptorPath(s, id)); err == nil {
			return s, nil
		}
	}
	return "", fmt.Errorf("%s: %w", id, ErrTaskNotFound)
}
