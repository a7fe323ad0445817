package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quillworks/majordomo/internal/task"
)

// Mutate adjusts descriptor fields between relocation and the final atomic
// rewrite of a transition.
type Mutate func(*task.Task)

// Claim transfers ownership of a task from available to owned. The
// descriptor rename is the sole mutual-exclusion primitive: under
// contention exactly one caller's rename succeeds and every other caller
// gets ErrTaskNotFound. After relocation the descriptor is rewritten with
// status in_progress; the companion payload, if any, follows its
// descriptor.
func (v *Vault) Claim(id string) (*task.Task, error) {
	return v.Move(id, StateAvailable, StateOwned, func(t *task.Task) {
		t.Status = task.StatusInProgress
	})
}

// Move relocates a task (descriptor plus companions) from one state
// directory to another, applies the mutation, and rewrites the descriptor
// atomically in its new location. The initial descriptor rename decides the
// winner under contention; losers get ErrTaskNotFound.
func (v *Vault) Move(id string, from, to State, mutate Mutate) (*task.Task, error) {
	if !from.IsValid() || !to.IsValid() {
		return nil, fmt.Errorf("invalid transition %s -> %s", from, to)
	}

	src := v.DescriptorPath(from, id)
	dst := v.DescriptorPath(to, id)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s in %s: %w", id, from, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("relocating %s from %s to %s: %w", id, from, to, err)
	}

	if err := v.moveCompanions(id, from, to); err != nil {
		// Ownership already transferred with the descriptor; surface the
		// companion failure so the caller routes it through failure handling.
		return nil, err
	}

	t, err := v.readPath(dst, id)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(t)
	}
	if err := atomicWriteDescriptor(dst, t); err != nil {
		return nil, fmt.Errorf("rewriting %s after move to %s: %w", id, to, err)
	}
	return t, nil
}

func (v *Vault) moveCompanions(id string, from, to State) error {
	names, err := v.Companions(from, id)
	if err != nil {
		return err
	}
	for _, name := range names {
		src := filepath.Join(v.Dir(from), name)
		dst := filepath.Join(v.Dir(to), name)
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("relocating companion %s from %s to %s: %w", name, from, to, err)
		}
	}
	return nil
}
