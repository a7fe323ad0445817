package redrive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the per-task checkpoint persisted every iteration. A run that
// finds an existing checkpoint resumes from it; an exhausted checkpoint is
// left behind next to its alert.
type State struct {
	TaskID            string    `json:"task_id"`
	Goal              string    `json:"goal"`
	CompletionPromise string    `json:"completion_promise"`
	ArtifactGlob      string    `json:"artifact_glob,omitempty"`
	Iteration         int       `json:"iteration"`
	MaxIterations     int       `json:"max_iterations"`
	LastOutput        string    `json:"last_output,omitempty"`
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at,omitempty"`
}

func (l *Loop) statePath(taskID string) string {
	return filepath.Join(l.v.RuntimeDir(), "redrive_"+taskID+".json")
}

// loadState returns the checkpoint for a task, or nil when none exists.
func (l *Loop) loadState(taskID string) (*State, error) {
	data, err := os.ReadFile(l.statePath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading redrive state for %s: %w", taskID, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing redrive state for %s: %w", taskID, err)
	}
	return &st, nil
}

// loadOrStartState resumes an existing running checkpoint or starts a fresh
// one. A checkpoint survives only a process restart mid-loop, so its goal
// and budget win over the caller's.
func (l *Loop) loadOrStartState(req Request, promise string, maxIter int) (st *State, resumed bool, err error) {
	st, err = l.loadState(req.TaskID)
	if err != nil {
		return nil, false, err
	}
	if st != nil {
		return st, st.Status == "" || st.Status == "running", nil
	}
	return &State{
		TaskID:            req.TaskID,
		Goal:              req.Goal,
		CompletionPromise: promise,
		ArtifactGlob:      req.ArtifactGlob,
		MaxIterations:     maxIter,
		Status:            "running",
		StartedAt:         l.now().UTC(),
	}, false, nil
}

// saveState commits the checkpoint via temp file + rename so a crash
// mid-write never leaves a torn checkpoint.
func (l *Loop) saveState(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling redrive state for %s: %w", st.TaskID, err)
	}
	path := l.statePath(st.TaskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing redrive state for %s: %w", st.TaskID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing redrive state for %s: %w", st.TaskID, err)
	}
	return nil
}

func (l *Loop) deleteState(taskID string) error {
	if err := os.Remove(l.statePath(taskID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
