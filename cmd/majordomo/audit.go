package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillworks/majordomo/internal/audit"
)

var (
	auditDays   int
	auditAction string
	auditTarget string
	auditLimit  int

	summaryWeek bool
	summaryDays int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long: `Print audit entries from the daily JSONL files, oldest first.

Examples:
  majordomo audit --days 3
  majordomo audit --action task_quarantined
  majordomo audit --target TASK_20260830T100000_invoice`,
	Run: func(cmd *cobra.Command, args []string) {
		from := time.Now().UTC().AddDate(0, 0, -(auditDays - 1))
		entries, err := auditLog.Query(audit.Filter{
			From:   from,
			Action: audit.ActionType(auditAction),
			Target: auditTarget,
			Limit:  auditLimit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("No matching entries")
			return
		}

		red := color.New(color.FgRed).SprintFunc()
		for _, entry := range entries {
			line := fmt.Sprintf("%s  %-24s %s", entry.Timestamp.Format("2006-01-02 15:04:05"), entry.ActionType, entry.Target)
			if entry.Error != "" {
				line += "  " + entry.Error
			}
			if entry.Result == "failure" {
				fmt.Printf("%s\n", red(line))
			} else {
				fmt.Println(line)
			}
		}
	},
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize audit activity over a period",
	Run: func(cmd *cobra.Command, args []string) {
		days := summaryDays
		if summaryWeek {
			days = 7
		}
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -(days - 1))

		stats, err := auditLog.Stats(from, to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("=== Audit Summary (%s to %s) ===",
			from.Format("2006-01-02"), to.Format("2006-01-02"))))
		fmt.Printf("Total entries: %d\n", stats.Total)
		if stats.Failures > 0 {
			fmt.Printf("Failures:      %s\n", red(fmt.Sprintf("%d", stats.Failures)))
		} else {
			fmt.Printf("Failures:      0\n")
		}
		fmt.Println()

		if stats.Total == 0 {
			return
		}
		fmt.Printf("%s\n", yellow("By action:"))
		actions := make([]audit.ActionType, 0, len(stats.ByAction))
		for action := range stats.ByAction {
			actions = append(actions, action)
		}
		sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
		for _, action := range actions {
			fmt.Printf("  %-26s %d\n", action, stats.ByAction[action])
		}
		fmt.Println()
	},
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit files past the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		removed, err := auditLog.Purge(cfg.AuditRetentionDays)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %d audit file(s) older than %d days\n", removed, cfg.AuditRetentionDays)
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditPurgeCmd)

	auditCmd.Flags().IntVar(&auditDays, "days", 1, "How many days back to read")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action type")
	auditCmd.Flags().StringVar(&auditTarget, "target", "", "Filter by target (task ID, component)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Stop after this many entries (0 = no limit)")

	auditSummaryCmd.Flags().BoolVar(&summaryWeek, "week", false, "Summarize the last 7 days")
	auditSummaryCmd.Flags().IntVar(&summaryDays, "days", 1, "How many days to summarize")
}
