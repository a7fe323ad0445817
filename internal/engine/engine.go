// Package engine is the task lifecycle engine: a single-threaded polling
// loop that claims available tasks, drives them through the reasoning
// backend, routes risky results to human approval, and recovers failures
// through retry, quarantine, and the self-healing watchdog.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillworks/majordomo/internal/agent"
	"github.com/quillworks/majordomo/internal/approval"
	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/health"
	"github.com/quillworks/majordomo/internal/offline"
	"github.com/quillworks/majordomo/internal/redrive"
	"github.com/quillworks/majordomo/internal/vault"
)

// ReasoningComponent is the integration name the processing backend is
// tracked under in the health registry.
const ReasoningComponent = "reasoning"

// Config holds engine configuration
type Config struct {
	Vault        *vault.Vault
	Processor    agent.Processor
	ProcessorCfg agent.Config
	Audit        *audit.Logger
	Health       *health.Registry
	Alerter      *health.Alerter
	Queue        *offline.Queue
	Router       *approval.Router
	Redrive      *redrive.Loop
	Checker      *health.Checker

	// FlushHandlers maps component name to the send function the scheduler
	// replays queued work through. Components without a handler are only
	// flushed manually.
	FlushHandlers map[string]offline.Handler

	Version            string
	MaxRetries         int           // Failed attempts before quarantine (default: 3)
	MaxBatchSize       int           // Tasks claimed per cycle (default: 10)
	PollInterval       time.Duration // Pause between cycles (default: 30s)
	WatchdogInterval   time.Duration // Staleness scan period (default: 5m)
	SchedulerInterval  time.Duration // Housekeeping period (default: 15m)
	AuditRetentionDays int           // Daily audit files kept (default: 90)
}

// DefaultConfig returns default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Version:            "0.1.0",
		MaxRetries:         3,
		MaxBatchSize:       10,
		PollInterval:       30 * time.Second,
		WatchdogInterval:   5 * time.Minute,
		SchedulerInterval:  15 * time.Minute,
		AuditRetentionDays: 90,
	}
}

// Engine moves tasks through the lifecycle.
type Engine struct {
	cfg        *Config
	instanceID string
	hostname   string
	pid        int
	lockPath   string

	// findingsSeen dedupes health-check alerts across scheduler runs.
	findingsSeen map[string]bool

	stopCh          chan struct{}
	doneCh          chan struct{}
	watchdogStopCh  chan struct{}
	watchdogDoneCh  chan struct{}
	schedulerStopCh chan struct{}
	schedulerDoneCh chan struct{}

	mu      sync.RWMutex
	running bool
}

// New creates an engine. Required collaborators are validated; out-of-range
// tunables degrade to their defaults with a warning rather than failing.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	if cfg.Health == nil {
		return nil, fmt.Errorf("health registry is required")
	}
	if cfg.Alerter == nil {
		return nil, fmt.Errorf("alerter is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("offline queue is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("approval router is required")
	}
	if cfg.Redrive == nil {
		return nil, fmt.Errorf("redrive loop is required")
	}
	if cfg.Checker == nil {
		return nil, fmt.Errorf("health checker is required")
	}

	defaults := DefaultConfig()
	if cfg.MaxRetries < 1 {
		fmt.Fprintf(os.Stderr, "Warning: invalid max retries %d, using default %d\n", cfg.MaxRetries, defaults.MaxRetries)
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MaxBatchSize < 1 {
		fmt.Fprintf(os.Stderr, "Warning: invalid batch size %d, using default %d\n", cfg.MaxBatchSize, defaults.MaxBatchSize)
		cfg.MaxBatchSize = defaults.MaxBatchSize
	}
	if cfg.PollInterval <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid poll interval %v, using default %v\n", cfg.PollInterval, defaults.PollInterval)
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.WatchdogInterval <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid watchdog interval %v, using default %v\n", cfg.WatchdogInterval, defaults.WatchdogInterval)
		cfg.WatchdogInterval = defaults.WatchdogInterval
	}
	if cfg.SchedulerInterval <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid scheduler interval %v, using default %v\n", cfg.SchedulerInterval, defaults.SchedulerInterval)
		cfg.SchedulerInterval = defaults.SchedulerInterval
	}
	if cfg.AuditRetentionDays < 1 {
		fmt.Fprintf(os.Stderr, "Warning: invalid audit retention %d days, using default %d\n", cfg.AuditRetentionDays, defaults.AuditRetentionDays)
		cfg.AuditRetentionDays = defaults.AuditRetentionDays
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Engine{
		cfg:          cfg,
		instanceID:   uuid.New().String(),
		hostname:     hostname,
		pid:          os.Getpid(),
		findingsSeen: make(map[string]bool),
	}, nil
}

// InstanceID returns this engine's unique identifier.
func (e *Engine) InstanceID() string { return e.instanceID }

// Start acquires the process lock and launches the cycle, watchdog and
// scheduler loops. Fails if another engine holds the lock or this one is
// already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.watchdogStopCh = make(chan struct{})
	e.watchdogDoneCh = make(chan struct{})
	e.schedulerStopCh = make(chan struct{})
	e.schedulerDoneCh = make(chan struct{})
	e.mu.Unlock()

	lockPath, err := vault.AcquireLock(e.cfg.Vault.Root(), e.instanceID, e.cfg.Version)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return fmt.Errorf("acquiring process lock: %w", err)
	}
	e.lockPath = lockPath

	if err := e.cfg.Audit.Record(audit.ActionEngineStarted, e.instanceID, map[string]interface{}{
		"hostname": e.hostname,
		"pid":      e.pid,
		"version":  e.cfg.Version,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit engine start: %v\n", err)
	}
	fmt.Printf("Engine %s started (pid %d on %s)\n", e.instanceID, e.pid, e.hostname)

	go e.cycleLoop(ctx)
	go e.watchdogLoop(ctx)
	go e.schedulerLoop(ctx)
	return nil
}

// Stop halts all loops, waits for them, and releases the process lock.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	close(e.watchdogStopCh)
	close(e.schedulerStopCh)
	doneCh, watchdogDoneCh, schedulerDoneCh := e.doneCh, e.watchdogDoneCh, e.schedulerDoneCh
	e.mu.Unlock()

	<-doneCh
	<-watchdogDoneCh
	<-schedulerDoneCh

	if err := vault.ReleaseLock(e.lockPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to release process lock: %v\n", err)
	}
	if err := e.cfg.Audit.Record(audit.ActionEngineStopped, e.instanceID, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit engine stop: %v\n", err)
	}
	fmt.Printf("Engine %s stopped\n", e.instanceID)
}

// IsRunning reports whether the engine loops are active.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// cycleLoop runs one lifecycle cycle per poll interval. Each cycle runs to
// completion before the next tick is considered.
func (e *Engine) cycleLoop(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: cycle failed: %v\n", err)
			}
		}
	}
}

// watchdogLoop periodically re-drives tasks stuck in owned.
func (e *Engine) watchdogLoop(ctx context.Context) {
	defer close(e.watchdogDoneCh)

	ticker := time.NewTicker(e.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.watchdogStopCh:
			return
		case <-ticker.C:
			// The scan can run for minutes; keep shutdown responsive.
			done := make(chan struct{}, 1)
			go func() {
				e.runWatchdog(ctx)
				done <- struct{}{}
			}()
			select {
			case <-done:
			case <-e.watchdogStopCh:
				return
			}
		}
	}
}

// runWatchdog scans for stuck tasks and finalizes any the redrive loop
// completed, pushing them through the same approval/done path as a normal
// cycle.
func (e *Engine) runWatchdog(ctx context.Context) {
	outcomes, err := e.cfg.Redrive.Scan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: watchdog scan failed: %v\n", err)
		return
	}
	for id, outcome := range outcomes {
		if !outcome.Completed() {
			continue
		}
		if _, err := e.cfg.Vault.Read(vault.StateOwned, id); err != nil {
			// Already moved out of owned; nothing left to finalize.
			continue
		}
		if err := e.finalizeProcessed(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: finalizing re-driven task %s: %v\n", id, err)
		}
	}
}

// schedulerLoop runs housekeeping: audit retention, system health checks,
// and offline queue flushes for recovered components.
func (e *Engine) schedulerLoop(ctx context.Context) {
	defer close(e.schedulerDoneCh)

	ticker := time.NewTicker(e.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.schedulerStopCh:
			return
		case <-ticker.C:
			e.runHousekeeping(ctx)
		}
	}
}

func (e *Engine) runHousekeeping(ctx context.Context) {
	if _, err := e.cfg.Audit.Purge(e.cfg.AuditRetentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit purge failed: %v\n", err)
	}

	for _, finding := range e.cfg.Checker.Run() {
		if e.findingsSeen[finding.Key()] {
			continue
		}
		e.findingsSeen[finding.Key()] = true
		if _, err := e.cfg.Alerter.Raise(health.Alert{
			Kind:     finding.Check,
			Severity: finding.Severity,
			Target:   finding.Target,
			Summary:  finding.Description,
			Action:   finding.Recommendation,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to raise health-check alert: %v\n", err)
		}
	}

	e.FlushQueues(ctx)
}

// FlushQueues replays offline-queued work for every component that has a
// handler and is not currently down. A fully drained flush counts as the
// recovery probe succeeding.
func (e *Engine) FlushQueues(ctx context.Context) {
	components, err := e.cfg.Queue.Components()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: listing offline queues: %v\n", err)
		return
	}
	for _, component := range components {
		handler, ok := e.cfg.FlushHandlers[component]
		if !ok {
			continue
		}
		depth, err := e.cfg.Queue.Depth(component)
		if err != nil || depth == 0 {
			continue
		}
		flushed, failed, err := e.cfg.Queue.Flush(ctx, component, handler)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: flushing %s: %v\n", component, err)
			continue
		}
		if flushed > 0 && failed == 0 {
			e.cfg.Health.MarkHealthy(component)
		}
	}
}
