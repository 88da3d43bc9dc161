package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/internal/coordinator"
	"github.com/forgeline/foreman/internal/progress"
	"github.com/forgeline/foreman/internal/session"
	"github.com/forgeline/foreman/internal/state"
	"github.com/forgeline/foreman/internal/tui"
)

var runCmd = &cobra.Command{
	Use:   "run \"task description\"",
	Short: "Start a task run",
	Long: `Start a new task run. The planner researches the task and proposes a
step plan; in the default interactive mode you approve or reject it at the
gate, with rejections looping back to the planner together with your
feedback. Approved plans hand off to execution and the quality gate.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runThread string
	runAuto   bool
	runDryRun bool
	runCI     bool
)

// errNoTerminal rejects interactive modes without a terminal attached
var errNoTerminal = fmt.Errorf("no terminal available for the approval gate; pass --auto to approve plans automatically")

func init() {
	runCmd.Flags().StringVar(&runThread, "thread", "", "thread id (default: a generated run-xxxxxxxx id)")
	runCmd.Flags().BoolVar(&runAuto, "auto", false, "approve the first plan revision without prompting")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "exercise the pipeline against scripted fakes")
	runCmd.Flags().BoolVar(&runCI, "ci", false, "plain line output, no spinner")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, runDryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	mode := coordinator.ModeManual
	if runAuto || runDryRun {
		mode = coordinator.ModeAuto
	}
	if mode == coordinator.ModeManual && !tui.ShouldPrompt() {
		return errNoTerminal
	}

	threadID := runThread
	if threadID == "" {
		threadID = "run-" + uuid.NewString()[:8]
	}

	handle, err := a.coord.StartRun(ctx, threadID, args[0], mode)
	if err != nil {
		return err
	}
	fmt.Printf("Started thread %s\n", threadID)

	return superviseRun(cmd, a, handle)
}

// superviseRun drives one run from the terminal: it renders progress,
// answers the approval gate when the run suspends, and prints the
// summary at the end.
func superviseRun(cmd *cobra.Command, a *app, handle *coordinator.RunHandle) error {
	ctx := cmd.Context()
	threadID := handle.ThreadID

	tracker := progress.NewTracker(progress.Config{
		Writer:      os.Stdout,
		ShowSpinner: !runCI,
		IsCI:        runCI,
	})
	tracker.Start()
	defer tracker.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			tracker.Stop()
			if err := a.coord.Cancel(ctx, threadID); err != nil {
				a.logger.WithThread(threadID).WithError(err).Warn("cancel on interrupt failed")
			}
			return ctx.Err()

		case res := <-handle.Done:
			tracker.Stop()
			if p, err := a.coord.LatestPlan(ctx, threadID); err == nil && p != nil {
				tracker.SetPlan(p)
			}
			tracker.PrintSummary(res.Status, res.ResultRef)
			if res.Status == "completed" {
				if res.Forced {
					fmt.Println("⚠ review exhausted its iterations; result approved by policy with failures outstanding:")
					for _, f := range res.Failures {
						fmt.Printf("  - %s\n", f)
					}
				}
				return nil
			}
			return fmt.Errorf("run failed: %s", res.FailReason)

		case <-ticker.C:
			if p, err := a.coord.LatestPlan(ctx, threadID); err == nil && p != nil {
				tracker.SetPlan(p)
			}
			if a.coord.Phase(ctx, threadID) != coordinator.PhaseAwaitingPlanFeedback {
				continue
			}

			tracker.Stop()
			newHandle, done, err := answerApprovalGate(cmd, a, threadID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			handle = newHandle
			tracker = progress.NewTracker(progress.Config{
				Writer:      os.Stdout,
				ShowSpinner: !runCI,
				IsCI:        runCI,
			})
			tracker.Start()
		}
	}
}

// answerApprovalGate shows the pending plan and delivers the verdict.
// done is true when the user deferred the decision and the run should
// stay parked.
func answerApprovalGate(cmd *cobra.Command, a *app, threadID string) (*coordinator.RunHandle, bool, error) {
	ctx := cmd.Context()

	p, err := a.coord.PendingPlan(ctx, threadID)
	if err != nil {
		return nil, false, err
	}

	decision, err := tui.ShowApprovalGate(p)
	if err != nil {
		return nil, false, err
	}

	input := state.State{}
	switch decision {
	case tui.DecisionApproved:
		input[state.KeyApprovalDecision] = session.DecisionAccepted
	case tui.DecisionRejected:
		input[state.KeyApprovalDecision] = session.DecisionRejected
		feedback, err := tui.PromptForFeedback()
		if err != nil {
			return nil, false, err
		}
		input[state.KeyFeedback] = feedback
	default:
		fmt.Printf("Plan left pending. Decide later with: foreman resume %s\n", threadID)
		return nil, true, nil
	}

	handle, err := a.coord.ResumeRun(ctx, threadID, input)
	if err != nil {
		return nil, false, err
	}
	return handle, false, nil
}
