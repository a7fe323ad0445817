package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

const reviewBodyLimit = 1500

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review tasks waiting for approval",
	Long: `Walk through every task in pending_approval: the descriptor is shown,
then a decision is read from the terminal.

  a / approve  move the task to approved (the engine finalizes it to done)
  r / reject   move the task to rejected
  s / skip     leave it pending and show the next one
  q / quit     stop reviewing

Approving or rejecting is just a rename into the approved or rejected
directory, so a file manager works as well as this console.`,
	Run: func(cmd *cobra.Command, args []string) {
		pending, err := vlt.List(vault.StatePendingApproval)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(pending) == 0 {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Nothing waiting for approval\n", green("✓"))
			return
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          cyan("approve/reject/skip/quit [a/r/s/q]> "),
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create readline: %v\n", err)
			os.Exit(1)
		}
		defer rl.Close()

		approved, rejected, skipped := 0, 0, 0
	tasks:
		for i, t := range pending {
			printReviewCard(t, i+1, len(pending))
			for {
				line, err := rl.Readline()
				if err == readline.ErrInterrupt {
					continue
				}
				if err == io.EOF {
					break tasks
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}

				switch strings.ToLower(strings.TrimSpace(line)) {
				case "a", "approve":
					if _, err := vlt.Move(t.ID, vault.StatePendingApproval, vault.StateApproved, nil); err != nil {
						fmt.Fprintf(os.Stderr, "Error: %v\n", err)
						os.Exit(1)
					}
					fmt.Printf("%s approved\n", t.ID)
					approved++
					continue tasks
				case "r", "reject":
					if _, err := vlt.Move(t.ID, vault.StatePendingApproval, vault.StateRejected, nil); err != nil {
						fmt.Fprintf(os.Stderr, "Error: %v\n", err)
						os.Exit(1)
					}
					fmt.Printf("%s rejected\n", t.ID)
					rejected++
					continue tasks
				case "s", "skip", "":
					skipped++
					continue tasks
				case "q", "quit", "exit":
					break tasks
				default:
					fmt.Println("Please answer a, r, s, or q.")
				}
			}
		}

		fmt.Printf("\nReviewed: %d approved, %d rejected, %d skipped\n", approved, rejected, skipped)
		if approved > 0 {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("%s\n", gray("The engine finalizes approved tasks on its next cycle."))
		}
	},
}

// printReviewCard renders one pending task for the reviewer.
func printReviewCard(t *task.Task, n, total int) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n", cyan(fmt.Sprintf("--- %s (%d of %d) ---", t.ID, n, total)))
	fmt.Printf("  Source:   %s\n", t.Source)
	if t.Type != "" {
		fmt.Printf("  Type:     %s\n", t.Type)
	}
	fmt.Printf("  Priority: %s\n", t.Priority)
	if t.Reason != "" {
		fmt.Printf("  Reason:   %s\n", yellow(t.Reason))
	}
	if !t.ApprovalRequestedAt.IsZero() {
		fmt.Printf("  Waiting:  since %s\n", t.ApprovalRequestedAt.Format("2006-01-02 15:04"))
	}

	body := strings.TrimSpace(t.Body)
	if body == "" {
		fmt.Printf("\n  %s\n\n", gray("(no body)"))
		return
	}
	if len(body) > reviewBodyLimit {
		body = body[:reviewBodyLimit] + "\n... (truncated)"
	}
	fmt.Println()
	for _, line := range strings.Split(body, "\n") {
		fmt.Printf("  %s\n", line)
	}
	fmt.Println()
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}
