package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillworks/majordomo/internal/redrive"
	"github.com/quillworks/majordomo/internal/task"
	"github.com/quillworks/majordomo/internal/vault"
)

var (
	redrivePromise string
	redriveGlob    string
	redriveMaxIter int
)

var redriveCmd = &cobra.Command{
	Use:   "redrive <task-id>",
	Short: "Re-drive a stuck task until it completes",
	Long: `Repeatedly hand a task stuck in owned back to the reasoning backend
until the completion oracle is satisfied or the iteration budget runs out.

The oracle passes when the backend's output contains the completion
promise (case-insensitive) or a file matches --artifact-glob under the
vault root. Progress is checkpointed, so an interrupted redrive resumes
at the next iteration instead of the first.

The watchdog does this automatically for tasks past the staleness
threshold; this command is for forcing it now.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]

		t, err := vlt.Read(vault.StateOwned, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s is not in owned (only claimed tasks can be re-driven): %v\n", id, err)
			os.Exit(1)
		}

		st, err := buildStack()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		goal := fmt.Sprintf("Task %s (source %s) was claimed for processing but never finished. "+
			"Finish processing it: read the descriptor, complete the work it describes, update the "+
			"descriptor header, and reply with %q once the task is genuinely done.",
			t.ID, t.Source, redrivePromise)

		ctx := context.Background()
		outcome, err := st.loop.Run(ctx, redrive.Request{
			TaskID:            id,
			TaskType:          t.Type,
			Goal:              goal,
			CompletionPromise: redrivePromise,
			ArtifactGlob:      redriveGlob,
			MaxIterations:     redriveMaxIter,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		if !outcome.Completed() {
			fmt.Printf("%s %s still incomplete after %d iteration(s); an alert was raised and the checkpoint kept\n",
				red("✗"), id, outcome.Iterations)
			os.Exit(1)
		}
		fmt.Printf("%s %s completed after %d iteration(s)\n", green("✓"), id, outcome.Iterations)

		// Finalize through the same gate as a normal cycle.
		processed, err := vlt.Read(vault.StateOwned, id)
		if err != nil {
			// The backend already moved it; nothing left to do here.
			return
		}
		routed, err := st.router.Route(processed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if routed {
			return
		}
		if _, err := vlt.Move(id, vault.StateOwned, vault.StateDone, func(t *task.Task) {
			t.Status = task.StatusDone
			t.ProcessedAt = time.Now().UTC()
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Task %s done\n", id)
	},
}

func init() {
	rootCmd.AddCommand(redriveCmd)
	redriveCmd.Flags().StringVar(&redrivePromise, "promise", redrive.DefaultPromise, "Completion promise to look for in backend output")
	redriveCmd.Flags().StringVar(&redriveGlob, "artifact-glob", "", "Glob under the vault root whose match completes the task")
	redriveCmd.Flags().IntVar(&redriveMaxIter, "max-iterations", 0, "Iteration budget (0 = per-type default)")
}
