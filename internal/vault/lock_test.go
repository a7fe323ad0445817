package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndReleaseLock(t *testing.T) {
	root := t.TempDir()

	lockPath, err := AcquireLock(root, "engine-test", "0.1.0")
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("reading lock file: %v", err)
	}
	var lock EngineLock
	if err := json.Unmarshal(data, &lock); err != nil {
		t.Fatalf("lock file is not valid JSON: %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", lock.PID, os.Getpid())
	}
	if lock.Holder != "engine-test" {
		t.Errorf("lock holder = %q, want engine-test", lock.Holder)
	}

	if err := ReleaseLock(lockPath); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}
}

func TestAcquireLockRejectsLiveHolder(t *testing.T) {
	root := t.TempDir()

	// The current test process is the live holder.
	if _, err := AcquireLock(root, "engine-test", "0.1.0"); err != nil {
		t.Fatalf("first AcquireLock failed: %v", err)
	}
	if _, err := AcquireLock(root, "engine-test", "0.1.0"); err == nil {
		t.Error("second AcquireLock against a live holder should fail")
	}
}

func TestAcquireLockReclaimsStaleLock(t *testing.T) {
	root := t.TempDir()
	hostname, err := os.Hostname()
	if err != nil {
		t.Fatalf("Hostname failed: %v", err)
	}

	// A PID far above any real pid_max is guaranteed dead.
	stale := EngineLock{
		Holder:    "engine-crashed",
		PID:       1 << 30,
		Hostname:  hostname,
		StartedAt: time.Now().Add(-time.Hour),
		Version:   "0.0.9",
	}
	data, err := json.MarshalIndent(stale, "", "  ")
	if err != nil {
		t.Fatalf("marshal stale lock: %v", err)
	}
	lockPath := filepath.Join(root, lockFileName)
	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		t.Fatalf("writing stale lock: %v", err)
	}

	if _, err := AcquireLock(root, "engine-test", "0.1.0"); err != nil {
		t.Errorf("AcquireLock should reclaim a stale lock, got error: %v", err)
	}

	reclaimed, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("reading reclaimed lock: %v", err)
	}
	var lock EngineLock
	if err := json.Unmarshal(reclaimed, &lock); err != nil {
		t.Fatalf("reclaimed lock is not valid JSON: %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("reclaimed lock PID = %d, want %d", lock.PID, os.Getpid())
	}
}

func TestAcquireLockAssumesRemoteHolderAlive(t *testing.T) {
	root := t.TempDir()

	remote := EngineLock{
		Holder:    "engine-remote",
		PID:       1 << 30,
		Hostname:  "some-other-host.example",
		StartedAt: time.Now(),
		Version:   "0.1.0",
	}
	data, err := json.MarshalIndent(remote, "", "  ")
	if err != nil {
		t.Fatalf("marshal remote lock: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, lockFileName), data, 0644); err != nil {
		t.Fatalf("writing remote lock: %v", err)
	}

	if _, err := AcquireLock(root, "engine-test", "0.1.0"); err == nil {
		t.Error("AcquireLock should not reclaim a lock held on another host")
	}

	if err := ReleaseLock(""); err != nil {
		t.Errorf("ReleaseLock with empty path should be a no-op, got %v", err)
	}
}
