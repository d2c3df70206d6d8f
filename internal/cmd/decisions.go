package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/store"
)

var decisionsFlags struct {
	pending bool
	process bool
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "Inspect or process recorded decision points",
	Long: `Decisions lists the questions raised during planning and execution.
--pending shows open questions; --process runs the automated resolver
over them, leaving genuinely human-required questions untouched.`,
	RunE: runDecisions,
}

func init() {
	decisionsCmd.Flags().BoolVar(&decisionsFlags.pending, "pending", false, "list only unresolved decisions")
	decisionsCmd.Flags().BoolVar(&decisionsFlags.process, "process", false, "attempt automated resolution of pending decisions")
	rootCmd.AddCommand(decisionsCmd)
}

func runDecisions(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if decisionsFlags.process {
		pending, err := rt.decider.Pending(ctx)
		if err != nil {
			return err
		}
		resolved := 0
		for i := range pending {
			d := pending[i]
			if _, ok, err := rt.pm.TryResolve(ctx, &d); err == nil && ok {
				resolved++
				fmt.Fprintf(out, "resolved: %s\n", d.Question)
			}
		}
		fmt.Fprintf(out, "%d of %d pending decisions resolved\n", resolved, len(pending))
		return nil
	}

	if decisionsFlags.pending {
		pending, err := rt.decider.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Fprintln(out, "no pending decisions")
			return nil
		}
		for _, d := range pending {
			fmt.Fprintf(out, "[%s] %s\n", d.Category, d.Question)
			if d.Context != "" {
				fmt.Fprintf(out, "    %s\n", d.Context)
			}
		}
		return nil
	}

	recent, err := rt.db.ListDecisions(ctx, store.DecisionResolved, 20)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		fmt.Fprintln(out, "no resolved decisions")
		return nil
	}
	for _, d := range recent {
		fmt.Fprintf(out, "[%s] %s\n", d.Category, d.Question)
		if d.Resolution != nil {
			fmt.Fprintf(out, "    -> %s (%s)\n", d.Resolution.Decision, d.Resolution.ResolvedBy)
		}
	}
	return nil
}
