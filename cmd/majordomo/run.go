package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quillworks/majordomo/internal/engine"
	"github.com/quillworks/majordomo/internal/index"
	"github.com/quillworks/majordomo/internal/offline"
	"github.com/quillworks/majordomo/internal/watcher"
)

var (
	runOnce      bool
	runNoWatcher bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine daemon",
	Long: `Run the lifecycle engine: the processing cycle, the staleness watchdog,
the housekeeping scheduler, and (unless disabled) the inbox watcher.

The engine takes a process lock in the vault; a second engine against the
same vault refuses to start while the first is alive.

Stop with Ctrl+C or SIGTERM; shutdown finishes the in-flight task first.`,
	Run: func(cmd *cobra.Command, args []string) {
		st, err := buildStack()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ecfg := engineConfig(st)
		eng, err := engine.New(ecfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if runOnce {
			processed, err := eng.RunCycle(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Cycle complete: %d task(s) processed\n", processed)
			return
		}

		var w *watcher.Watcher
		if cfg.Watcher.Enabled && !runNoWatcher {
			ix, err := index.Open(filepath.Join(vlt.RuntimeDir(), "index.db"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: opening ingestion index: %v\n", err)
				os.Exit(1)
			}
			defer ix.Close()

			w, err = watcher.New(watcherConfig(), vlt, ix, auditLog)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.Start(gctx) })
		if w != nil {
			g.Go(func() error { return w.Start(gctx) })
		}
		if err := g.Wait(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Engine running (poll every %v). Ctrl+C to stop.\n", green("●"), cfg.PollInterval)

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		if w != nil {
			w.Stop()
		}
		eng.Stop()
	},
}

// engineConfig wires the stack and the YAML tunables into the engine.
func engineConfig(st *stack) *engine.Config {
	ecfg := engine.DefaultConfig()
	ecfg.Vault = vlt
	ecfg.Processor = st.processor
	ecfg.ProcessorCfg = processorConfig()
	ecfg.Audit = auditLog
	ecfg.Health = st.registry
	ecfg.Alerter = st.alerter
	ecfg.Queue = st.queue
	ecfg.Router = st.router
	ecfg.Redrive = st.loop
	ecfg.Checker = st.checker
	ecfg.Version = version
	ecfg.MaxRetries = cfg.MaxRetries
	ecfg.MaxBatchSize = cfg.MaxBatchSize
	ecfg.PollInterval = cfg.PollInterval
	ecfg.WatchdogInterval = cfg.WatchdogInterval
	ecfg.SchedulerInterval = cfg.SchedulerInterval
	ecfg.AuditRetentionDays = cfg.AuditRetentionDays

	ecfg.FlushHandlers = make(map[string]offline.Handler, len(cfg.Components))
	for name := range cfg.Components {
		ecfg.FlushHandlers[name] = deliveryHandler(st.processor, name)
	}
	return ecfg
}

// watcherConfig maps the YAML watcher section onto the watcher config.
func watcherConfig() watcher.Config {
	wcfg := watcher.DefaultConfig()
	if cfg.Watcher.Source != "" {
		wcfg.Source = cfg.Watcher.Source
	}
	if len(cfg.Watcher.AllowedExtensions) > 0 {
		wcfg.AllowedExtensions = make(map[string]bool, len(cfg.Watcher.AllowedExtensions))
		for _, ext := range cfg.Watcher.AllowedExtensions {
			wcfg.AllowedExtensions[ext] = true
		}
	}
	if cfg.Watcher.MaxFileSizeMB > 0 {
		wcfg.MaxFileSize = int64(cfg.Watcher.MaxFileSizeMB) << 20
	}
	if cfg.Watcher.ScanInterval > 0 {
		wcfg.ScanInterval = cfg.Watcher.ScanInterval
	}
	return wcfg
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single processing cycle and exit")
	runCmd.Flags().BoolVar(&runNoWatcher, "no-watcher", false, "Run without the inbox watcher")
}
