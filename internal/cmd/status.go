package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/logging"
)

var statusFlags struct {
	human  bool
	events bool
	count  int
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise board and session state",
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.BoolVar(&statusFlags.human, "human", false, "verbose human-readable summary")
	f.BoolVar(&statusFlags.events, "events", false, "show recent log events instead of the summary")
	f.IntVarP(&statusFlags.count, "count", "n", 20, "number of events or tasks to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if statusFlags.events {
		return printEvents(cmd, rt)
	}
	return printSummary(cmd, rt)
}

func printSummary(cmd *cobra.Command, rt *runtime) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	counts, err := rt.board.CountByStatus(ctx)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	fmt.Fprintln(out, "board:")
	if len(statuses) == 0 {
		fmt.Fprintln(out, "  empty")
	}
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-12s %d\n", s, counts[s])
	}

	if batch, err := rt.db.LatestBatch(ctx); err == nil && batch != nil {
		fmt.Fprintf(out, "\nlatest batch %s: %s (%d/%d complete, %d failed)\n",
			batch.ID, batch.Status, batch.TasksComplete, batch.TasksTotal, batch.TasksFailed)
	}

	if !statusFlags.human {
		return nil
	}

	// Verbose mode lists the live tasks individually.
	tasks, err := rt.board.List(ctx, board.StatusPending, board.StatusInProgress, board.StatusBlocked, board.StatusFailed)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Fprintln(out, "\ntasks:")
	}
	for i, t := range tasks {
		if i >= statusFlags.count {
			fmt.Fprintf(out, "  ... and %d more\n", len(tasks)-i)
			break
		}
		fmt.Fprintf(out, "  [%-11s] %s (attempts %d)\n", t.Status, t.Objective, t.Attempts)
	}
	return nil
}

func printEvents(cmd *cobra.Command, rt *runtime) error {
	out := cmd.OutOrStdout()
	entries, err := logging.AggregateLogs(filepath.Join(rt.stateDir, "logs"))
	if err != nil {
		return err
	}
	entries = logging.FilterLogs(entries, logging.LogFilter{Level: logging.LevelInfo})
	if n := len(entries); n > statusFlags.count {
		entries = entries[n-statusFlags.count:]
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no events recorded")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-5s %s", e.Timestamp.Format("15:04:05"), e.Level, e.Message)
		if e.TaskID != "" {
			line += " task=" + e.TaskID
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
