package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/index"
	"github.com/quillworks/majordomo/internal/vault"
)

func newTestWatcher(t *testing.T) (*Watcher, *vault.Vault, *index.Index) {
	t.Helper()
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v.Init())

	auditLog, err := audit.New(audit.Config{Dir: v.AuditDir()})
	require.NoError(t, err)

	ix, err := index.Open(filepath.Join(v.RuntimeDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	cfg := DefaultConfig()
	cfg.StabilityInterval = time.Millisecond
	w, err := New(cfg, v, ix, auditLog)
	require.NoError(t, err)
	w.sleep = func(time.Duration) {}
	return w, v, ix
}

func drop(t *testing.T, v *vault.Vault, name, content string) string {
	t.Helper()
	path := filepath.Join(v.InboxDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestScanOnceCreatesTaskWithInlineBody(t *testing.T) {
	w, v, ix := newTestWatcher(t)
	drop(t, v, "meeting notes.md", "discuss invoices\n")

	created, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	tasks, err := v.List(vault.StateAvailable)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	tk := tasks[0]
	assert.True(t, strings.HasPrefix(tk.ID, "TASK_"), "ID %q", tk.ID)
	assert.Contains(t, tk.ID, "meeting_notes")
	assert.Equal(t, "meeting notes.md", tk.OriginalName)
	assert.Equal(t, "discuss invoices\n", tk.Body)
	assert.True(t, strings.HasPrefix(tk.ContentHash, "blake3:"))

	// Inbox is drained and the hash is indexed.
	entries, err := os.ReadDir(v.InboxDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	dup, priorID, err := ix.IsDuplicate(context.Background(), tk.ContentHash)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, tk.ID, priorID)
}

func TestScanOnceMovesBinaryPayloadAlongside(t *testing.T) {
	w, v, _ := newTestWatcher(t)
	drop(t, v, "invoice.pdf", "%PDF-1.4 fake")

	created, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	tasks, err := v.List(vault.StateAvailable)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	companions, err := v.Companions(vault.StateAvailable, tasks[0].ID)
	require.NoError(t, err)
	require.Len(t, companions, 1)
	assert.Equal(t, tasks[0].ID+".pdf", companions[0])
}

func TestScanOnceSkipsJunk(t *testing.T) {
	w, v, _ := newTestWatcher(t)
	drop(t, v, ".hidden.txt", "x")
	drop(t, v, "~$draft.docx", "x")
	drop(t, v, "partial.tmp", "x")
	drop(t, v, "empty.txt", "")

	created, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)

	// Junk stays put; nothing is quarantined or queued.
	entries, err := os.ReadDir(v.InboxDir())
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	counts, err := v.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts[vault.StateAvailable])
	assert.Zero(t, counts[vault.StateQuarantined])
}

func TestScanOnceQuarantinesUnsupportedAndOversized(t *testing.T) {
	w, v, _ := newTestWatcher(t)
	w.cfg.MaxFileSize = 8
	drop(t, v, "malware.exe", "MZ")
	drop(t, v, "huge.txt", "far more than eight bytes")

	created, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)

	qdir := v.Dir(vault.StateQuarantined)
	for _, name := range []string{"malware.exe", "huge.txt"} {
		_, err := os.Stat(filepath.Join(qdir, name))
		assert.NoError(t, err, "%s not quarantined", name)
		reason, err := os.ReadFile(filepath.Join(qdir, name+".reason.txt"))
		require.NoError(t, err, "%s has no reason sidecar", name)
		assert.NotEmpty(t, reason)
	}
}

func TestScanOnceDropsDuplicates(t *testing.T) {
	w, v, _ := newTestWatcher(t)
	drop(t, v, "first.txt", "identical content")

	created, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	drop(t, v, "second.txt", "identical content")
	created, err = w.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, created)

	counts, err := v.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[vault.StateAvailable])
	entries, err := os.ReadDir(v.InboxDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "duplicate should be removed from inbox")
}

func TestFreshIDAvoidsCollisions(t *testing.T) {
	w, v, _ := newTestWatcher(t)
	fixed := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	drop(t, v, "same.txt", "content one")
	created, err := w.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	drop(t, v, "same.txt", "content two")
	created, err = w.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)

	tasks, err := v.List(vault.StateAvailable)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.NotEqual(t, tasks[0].ID, tasks[1].ID)
}

func TestStartRecoversAfterFailedStart(t *testing.T) {
	w, v, _ := newTestWatcher(t)
	require.NoError(t, os.RemoveAll(v.InboxDir()))

	err := w.Start(context.Background())
	require.Error(t, err, "Start must fail when the inbox cannot be watched")

	// A failed Start leaves the watcher stoppable and restartable.
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after failed Start")
	}

	require.NoError(t, os.MkdirAll(v.InboxDir(), 0755))
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
}

func TestSanitizeStem(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Quarterly Report (final)", "Quarterly_Report__final_"},
		{"résumé", "r_sum_"},
		{"ok-name_1", "ok-name_1"},
		{"", "file"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeStem(tt.in), "sanitizeStem(%q)", tt.in)
	}
}
