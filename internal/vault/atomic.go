package vault

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/quillworks/majordomo/internal/task"
)

// WriteDescriptor atomically replaces (or creates) a task's descriptor in
// the given state directory. Readers never observe a partial write: content
// goes to a temp file in the same directory, is synced, re-read and
// decode-validated, then renamed over the destination.
func (v *Vault) WriteDescriptor(s State, t *task.Task) error {
	return atomicWriteDescriptor(v.DescriptorPath(s, t.ID), t)
}

func atomicWriteDescriptor(path string, t *task.Task) error {
	content, err := task.Encode(t)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".majordomo-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		// Clean up temp file on any failure
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Validate written content by re-reading the temp file
	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	if _, err := task.Decode(written); err != nil {
		return fmt.Errorf("descriptor validation failed: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}
