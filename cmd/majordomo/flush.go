package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillworks/majordomo/internal/agent"
	"github.com/quillworks/majordomo/internal/offline"
)

var flushAll bool

var flushCmd = &cobra.Command{
	Use:   "flush [component]",
	Short: "Replay a component's offline queue",
	Long: `Replay work buffered while a component was down. Each queued payload is
handed back to the reasoning backend for delivery; items that deliver are
removed, items that fail stay queued for the next flush.

The scheduler flushes automatically; this command is for flushing right
after fixing an integration instead of waiting for the next tick.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 && !flushAll {
			fmt.Fprintf(os.Stderr, "Error: name a component or pass --all\n")
			os.Exit(1)
		}

		st, err := buildStack()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		components := args
		if flushAll {
			components, err = st.queue.Components()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(components) == 0 {
				fmt.Println("No offline queues to flush")
				return
			}
		}

		ctx := context.Background()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		for _, component := range components {
			depth, err := st.queue.Depth(component)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if depth == 0 {
				fmt.Printf("%s: nothing queued\n", component)
				continue
			}

			fmt.Printf("Flushing %d item(s) for %s...\n", depth, component)
			flushed, failed, err := st.queue.Flush(ctx, component, deliveryHandler(st.processor, component))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: flushing %s: %v\n", component, err)
				os.Exit(1)
			}
			if failed == 0 {
				fmt.Printf("%s %s: %d delivered\n", green("✓"), component, flushed)
				st.registry.MarkHealthy(component)
			} else {
				fmt.Printf("%s %s: %d delivered, %d still queued\n", red("✗"), component, flushed, failed)
			}
		}
	},
}

// deliveryHandler replays one buffered payload through the reasoning
// backend, which owns every outbound integration.
func deliveryHandler(processor agent.Processor, component string) offline.Handler {
	return func(ctx context.Context, item offline.Item) error {
		_, err := processor.Process(ctx, agent.Request{
			TaskID:   item.ID,
			TaskType: "queued_delivery",
			Goal: fmt.Sprintf("Deliver this %s payload. It was queued at %s while the "+
				"integration was down; send it now and report the result.\n\n%s\n",
				component, item.QueuedAt.Format("2006-01-02 15:04 MST"), string(item.Payload)),
		})
		return err
	}
}

func init() {
	rootCmd.AddCommand(flushCmd)
	flushCmd.Flags().BoolVar(&flushAll, "all", false, "Flush every component's queue")
}
