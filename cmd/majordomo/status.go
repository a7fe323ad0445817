package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillworks/majordomo/internal/audit"
	"github.com/quillworks/majordomo/internal/health"
	"github.com/quillworks/majordomo/internal/offline"
	"github.com/quillworks/majordomo/internal/vault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the vault status board",
	Long:  `Display task counts per state, offline queue depths, open alerts, health-check findings, and recent audit activity.`,
	Run: func(cmd *cobra.Command, args []string) {
		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Majordomo Status ==="))

		// Task counts per state directory
		counts, err := vlt.Counts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", yellow("Tasks:"))
		for _, state := range vault.AllStates {
			n := counts[state]
			label := fmt.Sprintf("  %-17s %d", state, n)
			switch {
			case state == vault.StateQuarantined && n > 0:
				fmt.Printf("%s\n", red(label))
			case state == vault.StatePendingApproval && n > 0:
				fmt.Printf("%s\n", yellow(label))
			case n == 0:
				fmt.Printf("%s\n", gray(label))
			default:
				fmt.Println(label)
			}
		}
		fmt.Println()

		// Offline queue depths
		queue, err := offline.New(vlt.QueueDir(), auditLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		components, err := queue.Components()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", yellow("Offline queues:"))
		if len(components) == 0 {
			fmt.Printf("  %s\n", gray("empty"))
		}
		for _, component := range components {
			depth, err := queue.Depth(component)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if depth > 0 {
				fmt.Printf("  %s %s: %d buffered\n", yellow("●"), component, depth)
			} else {
				fmt.Printf("  %s %s: drained\n", gray("○"), component)
			}
		}
		fmt.Println()

		// Open alert artifacts
		alerter, err := health.NewAlerter(vlt.AlertsDir(), auditLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		alerts, err := alerter.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", yellow("Alerts:"))
		if len(alerts) == 0 {
			fmt.Printf("  %s\n", green("none"))
		}
		for _, name := range alerts {
			fmt.Printf("  %s %s\n", red("!"), name)
		}
		fmt.Println()

		// Health-check findings, computed fresh
		ccfg := health.DefaultCheckConfig()
		ccfg.StuckOwnedAfter = cfg.StuckOwnedAfter
		checker, err := health.NewChecker(ccfg, vlt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		findings := checker.Run()
		fmt.Printf("%s\n", yellow("Health checks:"))
		if len(findings) == 0 {
			fmt.Printf("  %s All clear\n", green("✓"))
		}
		for _, finding := range findings {
			marker := yellow("⚠")
			if finding.Severity == health.SeverityCritical {
				marker = red("✗")
			}
			fmt.Printf("  %s %s\n", marker, finding.Description)
			fmt.Printf("    %s\n", gray(finding.Recommendation))
		}
		fmt.Println()

		// Recent activity (today, newest last)
		entries, err := auditLog.Query(audit.Filter{From: time.Now().UTC()})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) > 8 {
			entries = entries[len(entries)-8:]
		}
		fmt.Printf("%s\n", yellow("Recent activity (today):"))
		if len(entries) == 0 {
			fmt.Printf("  %s\n", gray("none"))
		}
		for _, entry := range entries {
			line := fmt.Sprintf("  %s  %-24s %s",
				entry.Timestamp.Format("15:04:05"), entry.ActionType, entry.Target)
			if entry.Result == "failure" {
				fmt.Printf("%s\n", red(line))
			} else {
				fmt.Println(line)
			}
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
