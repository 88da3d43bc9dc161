package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forgeline/foreman/internal/coordinator"
	"github.com/forgeline/foreman/internal/store"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect and manage task threads",
}

var threadsAll bool

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task threads",
	RunE:  runThreadsList,
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a thread's checkpoint chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsShow,
}

var threadsCancelCmd = &cobra.Command{
	Use:   "cancel <thread-id>",
	Short: "Cancel a running or suspended thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runThreadsCancel,
}

func init() {
	threadsListCmd.Flags().BoolVar(&threadsAll, "all", false, "include session subrun chains")

	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsCancelCmd)
	rootCmd.AddCommand(threadsCmd)
}

func runThreadsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	infos, err := a.coord.Threads(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tSTATUS\tPHASE")
	for _, info := range infos {
		// Subrun chains carry / in their id and only matter with --all.
		if !threadsAll && strings.Contains(info.ThreadID, "/") {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.ThreadID, info.Status, info.Phase)
	}
	return w.Flush()
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	chain, err := a.coord.Chain(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tNODE\tSTATUS\tREV\tDETAIL")
	for i, cp := range chain {
		summary := summarizeCheckpoint(cp)
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", i, summary.Node, summary.Status, summary.Revision, summary.Detail)
	}
	return w.Flush()
}

type checkpointRow struct {
	Node     string
	Status   store.RunStatus
	Revision int
	Detail   string
}

func summarizeCheckpoint(cp *store.Checkpoint) checkpointRow {
	s := coordinator.Summarize(cp)
	row := checkpointRow{Node: s.Node, Status: s.Status, Revision: s.Revision}
	switch {
	case cp.AwaitingInput:
		row.Detail = "awaiting approval"
	case s.Reason != "":
		row.Detail = s.Reason
	case s.ResultRef != "":
		row.Detail = s.ResultRef
	case s.Verdict != "":
		row.Detail = "verdict: " + s.Verdict
	case cp.PendingSubrun != "":
		row.Detail = "subrun " + cp.PendingSubrun
	}
	return row
}

func runThreadsCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.coord.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Thread %s cancelled\n", args[0])
	return nil
}
