// Command majordomo runs the task lifecycle engine over a filesystem
// vault: an inbox watcher, a reasoning backend, retry/quarantine recovery,
// human-in-the-loop approval, and the operator commands that go with them.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillworks/majordomo/internal/agent"
	"github.com/quillworks/majordomo/internal/approval"
	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/config"
	"github.com/quillworks/majordomo/internal/health"
	"github.com/quillworks/majordomo/internal/offline"
	"github.com/quillworks/majordomo/internal/redrive"
	"github.com/quillworks/majordomo/internal/vault"
)

const version = "0.1.0"

// Shared state for all subcommands, initialized by setup() before any
// command other than init runs.
var (
	vaultRoot string

	cfg      *config.Config
	vlt      *vault.Vault
	auditLog *audit.Logger
)

var rootCmd = &cobra.Command{
	Use:   "majordomo",
	Short: "Personal task lifecycle engine over a filesystem vault",
	Long: `Majordomo watches an inbox directory, turns arrivals into task
descriptors, and drives them through a reasoning backend with retries,
quarantine, human approval, and a self-healing watchdog.

All state lives in plain directories (available, owned, pending_approval,
approved, rejected, done, quarantined); every transition is a single
atomic rename, so any text editor or file manager doubles as an admin
console.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "init", "help", "completion":
			return nil
		}
		return setup()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&vaultRoot, "vault", ".", "vault root directory")
}

// setup loads configuration and opens the vault and audit log. The --vault
// flag decides both where the config file lives and where state is kept;
// the file's vault_root field is only meaningful for cmd/run-engine.
func setup() error {
	loaded, err := config.Load(filepath.Join(vaultRoot, config.FileName))
	if err != nil {
		return err
	}
	loaded.VaultRoot = vaultRoot
	cfg = loaded

	v, err := vault.New(vaultRoot)
	if err != nil {
		return err
	}
	if _, err := os.Stat(v.Dir(vault.StateAvailable)); err != nil {
		return fmt.Errorf("%s is not an initialized vault (run `majordomo init` first)", vaultRoot)
	}
	vlt = v

	auditLog, err = audit.New(audit.Config{Dir: v.AuditDir()})
	if err != nil {
		return err
	}
	return nil
}

// stack bundles the collaborators the heavier commands (run, flush,
// redrive) wire together on top of the setup() globals.
type stack struct {
	processor agent.Processor
	alerter   *health.Alerter
	registry  *health.Registry
	queue     *offline.Queue
	router    *approval.Router
	checker   *health.Checker
	loop      *redrive.Loop
}

func buildStack() (*stack, error) {
	processor, err := agent.New(processorConfig())
	if err != nil {
		return nil, err
	}
	alerter, err := health.NewAlerter(vlt.AlertsDir(), auditLog)
	if err != nil {
		return nil, err
	}

	hcfg := health.DefaultConfig()
	for name, strategy := range cfg.Components {
		hcfg.Strategies[name] = health.Strategy(strategy)
	}
	registry, err := health.NewRegistry(hcfg, alerter, auditLog)
	if err != nil {
		return nil, err
	}

	queue, err := offline.New(vlt.QueueDir(), auditLog)
	if err != nil {
		return nil, err
	}
	router, err := approval.NewRouter(approval.DefaultRules(), vlt, auditLog)
	if err != nil {
		return nil, err
	}

	ccfg := health.DefaultCheckConfig()
	ccfg.StuckOwnedAfter = cfg.StuckOwnedAfter
	checker, err := health.NewChecker(ccfg, vlt)
	if err != nil {
		return nil, err
	}

	rcfg := redrive.DefaultConfig()
	rcfg.StalenessThreshold = cfg.StuckOwnedAfter
	loop, err := redrive.NewLoop(rcfg, processor, vlt, alerter, auditLog)
	if err != nil {
		return nil, err
	}

	return &stack{
		processor: processor,
		alerter:   alerter,
		registry:  registry,
		queue:     queue,
		router:    router,
		checker:   checker,
		loop:      loop,
	}, nil
}

// processorConfig maps the YAML processor section onto the backend config.
func processorConfig() agent.Config {
	pc := agent.DefaultConfig()
	pc.Mode = agent.Mode(cfg.Processor.Mode)
	if cfg.Processor.Command != "" {
		pc.Command = cfg.Processor.Command
	}
	if cfg.Processor.Model != "" {
		pc.Model = cfg.Processor.Model
	}
	if cfg.Processor.CallsPerMinute > 0 {
		pc.CallsPerMinute = cfg.Processor.CallsPerMinute
	}
	if cfg.Processor.TimeoutSeconds > 0 {
		pc.DefaultTimeout = time.Duration(cfg.Processor.TimeoutSeconds) * time.Second
	}
	return pc
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
