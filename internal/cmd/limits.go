package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/ratelimit"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show rate-limit usage for the rolling windows",
	RunE:  runLimits,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
}

func runLimits(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	totals := rt.tracker.TotalUsage()
	fmt.Fprintf(out, "total calls:     %d\n", totals.Calls)
	fmt.Fprintf(out, "input tokens:    %d\n", totals.InputTokens)
	fmt.Fprintf(out, "output tokens:   %d\n", totals.OutputTokens)
	fmt.Fprintf(out, "sonnet-equiv:    %.0f\n", totals.SonnetEquivalent)
	fmt.Fprintln(out)

	printWindow(out, "5-hour window", rt, ratelimit.WindowFiveHour, rt.cfg.RateLimits.FiveHourBudget)
	printWindow(out, "weekly window", rt, ratelimit.WindowWeekly, rt.cfg.RateLimits.WeeklyBudget)

	if rt.tracker.IsPaused() {
		fmt.Fprintf(out, "\nPAUSED, resumes in %s\n", rt.tracker.FormatRemainingTime())
	}
	return nil
}

func printWindow(out io.Writer, label string, rt *runtime, w ratelimit.Window, budget int64) {
	used := rt.tracker.UsageInWindow(w)
	frac := rt.tracker.GetUsagePercentage(w)
	fmt.Fprintf(out, "%-14s %.0f / %d sonnet-equivalent tokens (%.0f%%)\n",
		label+":", used, budget, frac*100)
}
