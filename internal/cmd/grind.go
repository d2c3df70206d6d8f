package cmd

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/board"
	"github.com/undercity-dev/undercity/internal/orchestrator"
)

var grindFlags struct {
	maxTasks    int
	parallel    int
	supervised  bool
	model       string
	workerBin   string
	noCommit    bool
	noTypecheck bool
	review      bool
}

var grindCmd = &cobra.Command{
	Use:   "grind [goal]",
	Short: "Drain the task board with autonomous workers",
	Long: `Grind runs the autonomous session loop. With a goal argument it adds
that goal as a single task and runs just it; without one it drains
every pending task on the board. Finished branches are integrated
serially through the merge queue.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGrind,
}

func init() {
	f := grindCmd.Flags()
	f.IntVarP(&grindFlags.maxTasks, "count", "n", 0, "stop after this many tasks (0 = drain)")
	f.IntVarP(&grindFlags.parallel, "parallel", "p", 0, "concurrent workers, 1-5 (0 = configured)")
	f.BoolVar(&grindFlags.supervised, "supervised", false, "pause for confirmation at decision points")
	f.StringVarP(&grindFlags.model, "model", "m", "", "cap escalation at this tier (low|mid|top)")
	f.StringVar(&grindFlags.workerBin, "worker", "", "override the agent binary")
	f.BoolVar(&grindFlags.noCommit, "no-commit", false, "leave completed work uncommitted")
	f.BoolVar(&grindFlags.noTypecheck, "no-typecheck", false, "skip the typecheck verification stage")
	f.BoolVar(&grindFlags.review, "review", false, "force review passes on")
	rootCmd.AddCommand(grindCmd)
}

func runGrind(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if grindFlags.supervised {
		rt.cfg.Grind.Supervised = true
	}
	if grindFlags.workerBin != "" {
		rt.cfg.Agent.Binary = grindFlags.workerBin
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := orchestrator.Options{
		MaxTasks: grindFlags.maxTasks,
		Parallel: grindFlags.parallel,
	}
	if goal := goalArg(args); goal != "" {
		if err := rt.board.Add(ctx, &board.Task{Objective: goal, Priority: 10}); err != nil {
			return fmt.Errorf("queueing goal: %w", err)
		}
		opts.MaxTasks = 1
	}

	deps, err := rt.buildGrind(ctx, "", grindOverrides{
		model:       grindFlags.model,
		noCommit:    grindFlags.noCommit,
		noTypecheck: grindFlags.noTypecheck,
		review:      grindFlags.review,
	})
	if err != nil {
		return err
	}
	defer deps.lock.Release()

	summary, err := deps.orch.Run(ctx, opts)
	if err != nil {
		return err
	}

	// Task failures are part of a normal session; only infrastructure
	// errors fail the command.
	fmt.Fprintf(cmd.OutOrStdout(),
		"batch %s: %d dispatched, %d complete, %d failed, %d blocked\n",
		summary.BatchID, summary.Dispatched, summary.Completed, summary.Failed, summary.Blocked)
	return nil
}

func goalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}
