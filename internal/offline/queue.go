// Package offline is the durable per-component buffer used while an
// integration's breaker is open: work is persisted as one JSON envelope per
// file and drained oldest-first once the integration recovers. ULID
// filenames make directory order equal creation order.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quillworks/majordomo/internal/audit"
)

const itemExt = ".json"

// StatusQueued is the envelope status while an item waits for flush.
const StatusQueued = "queued"

// Item is one buffered unit of work.
type Item struct {
	// ID is the ULID filename stem, assigned at enqueue.
	ID string `json:"-"`

	QueuedAt   time.Time       `json:"queued_at"`
	Component  string          `json:"component"`
	Payload    json.RawMessage `json:"payload"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retry_count"`
}

// Handler processes one queued item during a flush. A nil return deletes
// the item; an error leaves it in place for the next flush.
type Handler func(ctx context.Context, item Item) error

// Queue is the on-disk offline queue rooted at the vault's queue directory.
type Queue struct {
	root  string
	audit *audit.Logger
}

// New creates the queue root if needed.
func New(root string, auditLog *audit.Logger) (*Queue, error) {
	if root == "" {
		return nil, fmt.Errorf("queue root is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue root: %w", err)
	}
	return &Queue{root: root, audit: auditLog}, nil
}

func (q *Queue) componentDir(component string) string {
	return filepath.Join(q.root, component)
}

func validComponent(component string) error {
	if component == "" {
		return fmt.Errorf("component is required")
	}
	if strings.ContainsAny(component, "/\\") {
		return fmt.Errorf("component %q must not contain path separators", component)
	}
	return nil
}

// Enqueue persists one payload for the component and returns the item ID.
// The payload is marshaled to JSON and stored verbatim in the envelope.
func (q *Queue) Enqueue(component string, payload interface{}) (string, error) {
	if err := validComponent(component); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload for %s: %w", component, err)
	}

	item := Item{
		QueuedAt:   time.Now().UTC(),
		Component:  component,
		Payload:    raw,
		Status:     StatusQueued,
		RetryCount: 0,
	}
	id := ulid.Make().String()

	dir := q.componentDir(component)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create queue dir for %s: %w", component, err)
	}
	if err := writeItem(filepath.Join(dir, id+itemExt), item); err != nil {
		return "", err
	}

	if err := q.audit.Record(audit.ActionOfflineQueued, component, map[string]interface{}{
		"item_id": id,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit offline enqueue for %s: %v\n", component, err)
	}
	fmt.Printf("Buffered work for %s in offline queue (item %s)\n", component, id)
	return id, nil
}

// writeItem commits an envelope via temp file + rename so a crash mid-write
// never leaves a torn envelope for flush to trip on.
func writeItem(path string, item Item) error {
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit envelope: %w", err)
	}
	return nil
}

// itemFiles returns the envelope filenames for a component oldest-first. A
// missing component directory is an empty queue.
func (q *Queue) itemFiles(component string) ([]string, error) {
	entries, err := os.ReadDir(q.componentDir(component))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue for %s: %w", component, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, itemExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Flush drains the component's queue oldest-first through the handler.
// Handled items are deleted; failed items stay (with retry_count bumped)
// for the next flush. An empty queue returns (0, 0) and does nothing.
func (q *Queue) Flush(ctx context.Context, component string, handler Handler) (int, int, error) {
	if err := validComponent(component); err != nil {
		return 0, 0, err
	}
	if handler == nil {
		return 0, 0, fmt.Errorf("flush handler is required")
	}

	names, err := q.itemFiles(component)
	if err != nil {
		return 0, 0, err
	}
	if len(names) == 0 {
		return 0, 0, nil
	}

	flushed, failed := 0, 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return flushed, failed, fmt.Errorf("flush of %s interrupted: %w", component, err)
		}

		path := filepath.Join(q.componentDir(component), name)
		item, err := readItem(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping unreadable queue item %s: %v\n", name, err)
			failed++
			continue
		}
		item.ID = strings.TrimSuffix(name, itemExt)

		if err := handler(ctx, *item); err != nil {
			failed++
			item.RetryCount++
			if werr := writeItem(path, *item); werr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to record flush attempt on %s: %v\n", name, werr)
			}
			continue
		}

		if err := os.Remove(path); err != nil {
			return flushed, failed, fmt.Errorf("failed to remove flushed item %s: %w", name, err)
		}
		flushed++
	}

	if err := q.audit.Record(audit.ActionOfflineFlushed, component, map[string]interface{}{
		"flushed": flushed,
		"failed":  failed,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit flush of %s: %v\n", component, err)
	}
	fmt.Printf("Flushed offline queue for %s: %d ok, %d kept\n", component, flushed, failed)
	return flushed, failed, nil
}

func readItem(path string) (*Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return &item, nil
}

// Depth returns the number of queued items for the component.
func (q *Queue) Depth(component string) (int, error) {
	names, err := q.itemFiles(component)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Components lists component names with a queue directory, sorted.
func (q *Queue) Components() ([]string, error) {
	entries, err := os.ReadDir(q.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Items returns the queued envelopes for a component oldest-first, for the
// status board.
func (q *Queue) Items(component string) ([]Item, error) {
	names, err := q.itemFiles(component)
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, name := range names {
		item, err := readItem(filepath.Join(q.componentDir(component), name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping unreadable queue item %s: %v\n", name, err)
			continue
		}
		item.ID = strings.TrimSuffix(name, itemExt)
		items = append(items, *item)
	}
	return items, nil
}
