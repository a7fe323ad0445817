// Command run-engine boots the lifecycle engine without the CLI wrapper:
// configuration comes from majordomo.yaml and MAJORDOMO_* environment
// variables only. Intended for systemd units and containers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quillworks/majordomo/internal/agent"
	"github.com/quillworks/majordomo/internal/approval"
	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/config"
	"github.com/quillworks/majordomo/internal/engine"
	"github.com/quillworks/majordomo/internal/health"
	"github.com/quillworks/majordomo/internal/index"
	"github.com/quillworks/majordomo/internal/offline"
	"github.com/quillworks/majordomo/internal/redrive"
	"github.com/quillworks/majordomo/internal/vault"
	"github.com/quillworks/majordomo/internal/watcher"
)

func main() {
	configPath := flag.String("config", config.FileName, "path to majordomo.yaml")
	noWatcher := flag.Bool("no-watcher", false, "run without the inbox watcher")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	v, err := vault.New(cfg.VaultRoot)
	if err != nil {
		log.Fatalf("Failed to open vault: %v", err)
	}
	if err := v.Init(); err != nil {
		log.Fatalf("Failed to prepare vault layout: %v", err)
	}
	fmt.Printf("Using vault: %s\n", cfg.VaultRoot)

	auditLog, err := audit.New(audit.Config{Dir: v.AuditDir()})
	if err != nil {
		log.Fatalf("Failed to open audit log: %v", err)
	}

	pc := agent.DefaultConfig()
	pc.Mode = agent.Mode(cfg.Processor.Mode)
	pc.Command = cfg.Processor.Command
	pc.Model = cfg.Processor.Model
	pc.CallsPerMinute = cfg.Processor.CallsPerMinute
	pc.DefaultTimeout = time.Duration(cfg.Processor.TimeoutSeconds) * time.Second
	processor, err := agent.New(pc)
	if err != nil {
		log.Fatalf("Failed to create processor: %v", err)
	}

	alerter, err := health.NewAlerter(v.AlertsDir(), auditLog)
	if err != nil {
		log.Fatalf("Failed to create alerter: %v", err)
	}
	hcfg := health.DefaultConfig()
	for name, strategy := range cfg.Components {
		hcfg.Strategies[name] = health.Strategy(strategy)
	}
	registry, err := health.NewRegistry(hcfg, alerter, auditLog)
	if err != nil {
		log.Fatalf("Failed to create health registry: %v", err)
	}
	queue, err := offline.New(v.QueueDir(), auditLog)
	if err != nil {
		log.Fatalf("Failed to create offline queue: %v", err)
	}
	router, err := approval.NewRouter(approval.DefaultRules(), v, auditLog)
	if err != nil {
		log.Fatalf("Failed to create approval router: %v", err)
	}
	ccfg := health.DefaultCheckConfig()
	ccfg.StuckOwnedAfter = cfg.StuckOwnedAfter
	checker, err := health.NewChecker(ccfg, v)
	if err != nil {
		log.Fatalf("Failed to create health checker: %v", err)
	}
	rcfg := redrive.DefaultConfig()
	rcfg.StalenessThreshold = cfg.StuckOwnedAfter
	loop, err := redrive.NewLoop(rcfg, processor, v, alerter, auditLog)
	if err != nil {
		log.Fatalf("Failed to create redrive loop: %v", err)
	}

	ecfg := engine.DefaultConfig()
	ecfg.Vault = v
	ecfg.Processor = processor
	ecfg.ProcessorCfg = pc
	ecfg.Audit = auditLog
	ecfg.Health = registry
	ecfg.Alerter = alerter
	ecfg.Queue = queue
	ecfg.Router = router
	ecfg.Redrive = loop
	ecfg.Checker = checker
	ecfg.MaxRetries = cfg.MaxRetries
	ecfg.MaxBatchSize = cfg.MaxBatchSize
	ecfg.PollInterval = cfg.PollInterval
	ecfg.WatchdogInterval = cfg.WatchdogInterval
	ecfg.SchedulerInterval = cfg.SchedulerInterval
	ecfg.AuditRetentionDays = cfg.AuditRetentionDays

	eng, err := engine.New(ecfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	ctx := context.Background()

	fmt.Println("Starting engine...")
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Engine failed: %v", err)
	}

	var w *watcher.Watcher
	if cfg.Watcher.Enabled && !*noWatcher {
		ix, err := index.Open(filepath.Join(v.RuntimeDir(), "index.db"))
		if err != nil {
			log.Fatalf("Failed to open ingestion index: %v", err)
		}
		defer ix.Close()

		wcfg := watcher.DefaultConfig()
		wcfg.Source = cfg.Watcher.Source
		wcfg.MaxFileSize = int64(cfg.Watcher.MaxFileSizeMB) << 20
		wcfg.ScanInterval = cfg.Watcher.ScanInterval
		if len(cfg.Watcher.AllowedExtensions) > 0 {
			wcfg.AllowedExtensions = make(map[string]bool, len(cfg.Watcher.AllowedExtensions))
			for _, ext := range cfg.Watcher.AllowedExtensions {
				wcfg.AllowedExtensions[ext] = true
			}
		}
		w, err = watcher.New(wcfg, v, ix, auditLog)
		if err != nil {
			log.Fatalf("Failed to create watcher: %v", err)
		}
		if err := w.Start(ctx); err != nil {
			log.Fatalf("Watcher failed: %v", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	fmt.Println("Engine running. Press Ctrl+C to stop.")

	<-sigCh
	fmt.Println("\nShutting down engine...")

	if w != nil {
		w.Stop()
	}
	eng.Stop()

	fmt.Println("Engine stopped.")
}
