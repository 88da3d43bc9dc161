// Package cmd wires the foreman CLI: run, resume, threads, version.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Checkpointed task runs with planning, execution, and review",
	Long: `foreman coordinates autonomous task runs: a planning session drafts a
step plan and waits for your approval, an execution session implements the
steps with per-wave retries, and a nested quality gate reviews the result.
Every step is checkpointed, so suspended or interrupted runs resume from
their last recorded state.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command under a cancellable context
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./foreman.toml, then $HOME/.foreman.toml)")
}
