// Package watcher ingests raw arrivals from the inbox directory into the
// task lifecycle: junk is skipped, unsupported or oversized files are
// quarantined with a reason, duplicates (by content hash) are dropped, and
// everything else becomes a descriptor in available with its payload
// alongside. Detection is event-driven via fsnotify with a periodic scan as
// the fallback for missed events.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/index"
	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

// inlineExtensions are text formats whose content is folded into the
// descriptor body instead of traveling as a companion payload.
var inlineExtensions = map[string]bool{".md": true, ".txt": true}

// Config tunes the watcher.
type Config struct {
	// Source stamps descriptors created from the inbox.
	Source string
	// AllowedExtensions maps acceptable extensions (with dot, lowercase).
	AllowedExtensions map[string]bool
	// MaxFileSize rejects larger files, in bytes.
	MaxFileSize int64
	// StabilityInterval is the pause between the two size checks that
	// decide a file has finished arriving.
	StabilityInterval time.Duration
	// ScanInterval is the fallback polling period behind fsnotify.
	ScanInterval time.Duration
}

// DefaultConfig returns the standard watcher configuration.
func DefaultConfig() Config {
	return Config{
		Source: "file_drop",
		AllowedExtensions: map[string]bool{
			".pdf": true, ".docx": true, ".md": true, ".txt": true, ".eml": true,
		},
		MaxFileSize:       10 << 20,
		StabilityInterval: 500 * time.Millisecond,
		ScanInterval:      30 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("at least one allowed extension is required")
	}
	if c.MaxFileSize < 1 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSize)
	}
	if c.StabilityInterval <= 0 {
		return fmt.Errorf("stability interval must be positive, got %v", c.StabilityInterval)
	}
	if c.ScanInterval < time.Second {
		return fmt.Errorf("scan interval must be at least 1s, got %v", c.ScanInterval)
	}
	return nil
}

// Watcher turns inbox files into available tasks.
type Watcher struct {
	cfg   Config
	v     *vault.Vault
	ix    *index.Index
	audit *audit.Logger
	now   func() time.Time
	sleep func(time.Duration)

	stopCh chan struct{}
	doneCh chan struct{}

	mu      sync.RWMutex
	running bool
}

// New builds a watcher over the vault's inbox directory.
func New(cfg Config, v *vault.Vault, ix *index.Index, auditLog *audit.Logger) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watcher config: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if ix == nil {
		return nil, fmt.Errorf("index is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	return &Watcher{
		cfg:   cfg,
		v:     v,
		ix:    ix,
		audit: auditLog,
		now:   time.Now,
		sleep: time.Sleep,
	}, nil
}

// Start launches the watch loop. Returns an error if already running or the
// inbox cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.reset()
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.v.InboxDir()); err != nil {
		fsw.Close()
		w.reset()
		return fmt.Errorf("watching inbox %s: %w", w.v.InboxDir(), err)
	}

	if err := w.audit.Record(audit.ActionWatcherStarted, w.v.InboxDir(), nil); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit watcher start: %v\n", err)
	}
	fmt.Printf("Watching inbox %s (source %s)\n", w.v.InboxDir(), w.cfg.Source)

	go w.run(ctx, fsw)
	return nil
}

// reset clears the running flag after a failed Start, so a later Start can
// retry and a stray Stop stays a no-op instead of waiting on a run
// goroutine that was never launched.
func (w *Watcher) reset() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Stop halts the watch loop and waits for it to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
	if err := w.audit.Record(audit.ActionWatcherStopped, w.v.InboxDir(), nil); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit watcher stop: %v\n", err)
	}
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.doneCh)
	defer fsw.Close()

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	// Pick up whatever was waiting before the watcher came up.
	if _, err := w.ScanOnce(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: initial inbox scan failed: %v\n", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				if err := w.ingest(ctx, event.Name); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: ingesting %s: %v\n", event.Name, err)
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "Warning: inbox watch error: %v\n", err)
		case <-ticker.C:
			if _, err := w.ScanOnce(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: inbox scan failed: %v\n", err)
			}
		}
	}
}

// ScanOnce ingests every eligible file currently in the inbox and returns
// the number of tasks created.
func (w *Watcher) ScanOnce(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.v.InboxDir())
	if err != nil {
		return 0, fmt.Errorf("reading inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	created := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return created, fmt.Errorf("inbox scan interrupted: %w", err)
		}
		ok, err := w.ingestOne(ctx, filepath.Join(w.v.InboxDir(), name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: ingesting %s: %v\n", name, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// ingest handles one fsnotify event path.
func (w *Watcher) ingest(ctx context.Context, path string) error {
	_, err := w.ingestOne(ctx, path)
	return err
}

// ingestOne runs the full ingestion pipeline for one inbox file. Returns
// true when a task was created.
func (w *Watcher) ingestOne(ctx context.Context, path string) (bool, error) {
	name := filepath.Base(path)
	if isJunk(name) {
		return false, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with another consumer or a previous event already
			// ingested it.
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return false, nil
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !w.cfg.AllowedExtensions[ext] {
		return false, w.quarantineRaw(path, fmt.Sprintf("unsupported file extension %q", ext))
	}
	if info.Size() > w.cfg.MaxFileSize {
		return false, w.quarantineRaw(path, fmt.Sprintf("file size %d exceeds limit %d", info.Size(), w.cfg.MaxFileSize))
	}

	if !w.stable(path, info.Size()) {
		// Still being written; the next scan will retry.
		return false, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", name, err)
	}
	hash := ContentHash(content)

	dup, priorID, err := w.ix.IsDuplicate(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("duplicate check for %s: %w", name, err)
	}
	if dup {
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("dropping duplicate %s: %w", name, err)
		}
		if err := w.audit.Log(audit.Entry{
			ActionType: audit.ActionTaskDuplicateDropped,
			Target:     name,
			Parameters: map[string]interface{}{"content_hash": hash, "original_task": priorID},
			Result:     "success",
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to audit duplicate drop of %s: %v\n", name, err)
		}
		fmt.Printf("Dropped duplicate %s (already ingested as %s)\n", name, priorID)
		return false, nil
	}

	return true, w.createTask(ctx, path, name, ext, content, hash)
}

// createTask commits the arrival: payload (or inlined body) plus descriptor
// in available, then the index row and audit entry.
func (w *Watcher) createTask(ctx context.Context, path, name, ext string, content []byte, hash string) error {
	id := w.freshID(name)
	queuedAt := w.now().UTC()

	t := &task.Task{
		ID:           id,
		Source:       w.cfg.Source,
		Status:       task.StatusPending,
		RetryCount:   0,
		ContentHash:  hash,
		OriginalName: name,
		QueuedAt:     queuedAt,
	}

	if inlineExtensions[ext] {
		t.Body = string(content)
		if err := w.v.WriteDescriptor(vault.StateAvailable, t); err != nil {
			return fmt.Errorf("writing descriptor for %s: %w", name, err)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing ingested %s: %w", name, err)
		}
	} else {
		t.Body = fmt.Sprintf("Ingested %s from %s. The payload travels alongside this descriptor as %s%s.\n",
			name, w.cfg.Source, id, ext)
		// Payload first; the descriptor appearing is what commits the task.
		if err := os.Rename(path, filepath.Join(w.v.Dir(vault.StateAvailable), id+ext)); err != nil {
			return fmt.Errorf("relocating payload %s: %w", name, err)
		}
		if err := w.v.WriteDescriptor(vault.StateAvailable, t); err != nil {
			return fmt.Errorf("writing descriptor for %s: %w", name, err)
		}
	}

	if err := w.ix.Record(ctx, index.Entry{
		ContentHash:  hash,
		TaskID:       id,
		Source:       w.cfg.Source,
		OriginalName: name,
		QueuedAt:     queuedAt,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: task %s created but not indexed: %v\n", id, err)
	}

	if err := w.audit.Record(audit.ActionTaskQueued, id, map[string]interface{}{
		"original_name": name,
		"content_hash":  hash,
		"source":        w.cfg.Source,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit ingestion of %s: %v\n", id, err)
	}
	fmt.Printf("Queued task %s from %s\n", id, name)
	return nil
}

// quarantineRaw moves an unacceptable inbox file to quarantined with a
// sidecar explaining why. These never become tasks, so the raw filename is
// kept.
func (w *Watcher) quarantineRaw(path, reason string) error {
	name := filepath.Base(path)
	dst := filepath.Join(w.v.Dir(vault.StateQuarantined), name)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("quarantining %s: %w", name, err)
	}
	sidecar := dst + ".reason.txt"
	if err := os.WriteFile(sidecar, []byte(reason+"\n"), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: quarantined %s without reason sidecar: %v\n", name, err)
	}
	if err := w.audit.Log(audit.Entry{
		ActionType: audit.ActionTaskQuarantined,
		Target:     name,
		Parameters: map[string]interface{}{"reason": reason, "stage": "ingestion"},
		Result:     "failure",
		Error:      reason,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit quarantine of %s: %v\n", name, err)
	}
	fmt.Printf("Quarantined %s: %s\n", name, reason)
	return nil
}

// stable reports whether the file's size held steady across the stability
// interval.
func (w *Watcher) stable(path string, size int64) bool {
	w.sleep(w.cfg.StabilityInterval)
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == size
}

// freshID derives a collision-free task ID from the arrival time and the
// sanitized filename stem.
func (w *Watcher) freshID(name string) string {
	stem := sanitizeStem(strings.TrimSuffix(name, filepath.Ext(name)))
	base := fmt.Sprintf("TASK_%s_%s", w.now().UTC().Format("20060102T150405"), stem)
	id := base
	for n := 1; ; n++ {
		if _, err := w.v.Locate(id); err != nil {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// sanitizeStem keeps letters, digits, dash and underscore; everything else
// becomes an underscore.
func sanitizeStem(stem string) string {
	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	const maxStem = 48
	s := b.String()
	if len(s) > maxStem {
		s = s[:maxStem]
	}
	return s
}

// isJunk filters editor droppings and partial files.
func isJunk(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "~$") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".crdownload")
}

// ContentHash computes the blake3 digest used for de-duplication. Computed
// once at ingestion and immutable for the task's lifetime.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return fmt.Sprintf("blake3:%x", sum)
}
