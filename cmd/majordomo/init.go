package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quillworks/majordomo/internal/config"
	"github.com/quillworks/majordomo/internal/vault"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a vault in the target directory",
	Long: `Initialize a vault by creating the state directories and a default
majordomo.yaml.

This creates:
  - inbox/ (drop files here)
  - available/, owned/, pending_approval/, approved/, rejected/, done/,
    quarantined/ (the lifecycle state directories)
  - queue/, alerts/, audit/, state/ (runtime checkpoints and the index)
  - majordomo.yaml (commented defaults; MAJORDOMO_* env vars override it)

Example:
  majordomo init --vault ~/majordomo
  majordomo --vault ~/majordomo run`,
	Run: func(cmd *cobra.Command, args []string) {
		v, err := vault.New(vaultRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := v.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create vault layout: %v\n", err)
			os.Exit(1)
		}

		cfgPath := filepath.Join(vaultRoot, config.FileName)
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", cfgPath)
			os.Exit(1)
		}
		seed := config.Default()
		seed.VaultRoot = vaultRoot
		if err := seed.Write(cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Initialized vault\n\n", green("✓"))
		fmt.Printf("  Root:   %s\n", cyan(vaultRoot))
		fmt.Printf("  Inbox:  %s\n", cyan(v.InboxDir()))
		fmt.Printf("  Config: %s\n", cyan(cfgPath))
		fmt.Println()

		fmt.Printf("%s Next steps:\n", gray("→"))
		fmt.Printf("  %s\n", gray("majordomo run          # start the engine and inbox watcher"))
		fmt.Printf("  %s\n", gray("majordomo status       # inspect the vault"))
		fmt.Printf("  %s\n", gray("majordomo review       # approve or reject pending tasks"))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing majordomo.yaml")
}
