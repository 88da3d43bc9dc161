package cmd

import (
	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/internal/progress"
	"github.com/forgeline/foreman/internal/tui"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Answer a pending plan approval and continue the run",
	Long: `Pick a suspended thread back up. The pending plan is shown at the
approval gate; approval hands off to execution, rejection sends your
feedback back to the planner for another revision.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&runCI, "ci", false, "plain line output, no spinner")

	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	threadID := args[0]

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if !tui.ShouldPrompt() {
		return errNoTerminal
	}

	tracker := progress.NewTracker(progress.Config{IsCI: true})
	if p, err := a.coord.LatestPlan(ctx, threadID); err == nil && p != nil {
		tracker.SetPlan(p)
	}
	tracker.PrintResumeInfo(threadID)

	handle, done, err := answerApprovalGate(cmd, a, threadID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return superviseRun(cmd, a, handle)
}
