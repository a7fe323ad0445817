package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// EngineLock is the lock file format claiming exclusive engine ownership of
// a vault. At most one engine instance runs per deployment; everything else
// (watchers, CLI queries) reads freely.
type EngineLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

const lockFileName = "engine.lock"

// AcquireLock creates the engine lock file under the vault root. A
// surviving lock whose PID is no longer alive is reclaimed silently; a live
// holder is an error. Returns the lock file path for cleanup on shutdown.
func AcquireLock(root, holder, version string) (lockPath string, err error) {
	lockPath = filepath.Join(root, lockFileName)

	// Check for existing lock
	if data, err := os.ReadFile(lockPath); err == nil {
		var existing EngineLock
		if json.Unmarshal(data, &existing) == nil {
			if isProcessAlive(existing.PID, existing.Hostname) {
				return "", fmt.Errorf("another engine is already running (PID %d on %s, started %s)",
					existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
			}
			// Stale lock - will overwrite
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := EngineLock{
		Holder:    holder,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create engine lock: %w", err)
	}

	return lockPath, nil
}

// ReleaseLock removes the engine lock file. Should be called on engine
// shutdown (use defer).
func ReleaseLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove engine lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given
// hostname. Remote hostnames cannot be probed and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		// Can't check hostname, assume remote/alive
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		// Remote host - can't check, assume alive
		return true
	}

	// Check if PID exists on localhost (Unix: kill -0)
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true // Process exists
	}

	// EPERM means the process exists but belongs to another user; if we
	// can't verify, assume alive.
	if err == syscall.EPERM {
		return true
	}

	return false
}
