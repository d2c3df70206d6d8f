package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/complexity"
	"github.com/undercity-dev/undercity/internal/config"
)

var postmortemFlags struct {
	asJSON bool
}

var insightsFlags struct {
	asJSON bool
	since  time.Duration
	last   int
}

var postmortemCmd = &cobra.Command{
	Use:   "postmortem",
	Short: "Report permanent failures and their error patterns",
	RunE:  runPostmortem,
}

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Show accumulated learnings",
	RunE:  runInsights,
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show error patterns, fixes, and keyword reliability",
	RunE:  runPatterns,
}

var effectivenessCmd = &cobra.Command{
	Use:   "effectiveness",
	Short: "Show per-model success rates by complexity",
	RunE:  runEffectiveness,
}

func init() {
	postmortemCmd.Flags().BoolVar(&postmortemFlags.asJSON, "json", false, "emit JSON")
	insightsCmd.Flags().BoolVar(&insightsFlags.asJSON, "json", false, "emit JSON")
	insightsCmd.Flags().DurationVar(&insightsFlags.since, "since", 0, "only learnings updated within this window")
	insightsCmd.Flags().IntVar(&insightsFlags.last, "last", 0, "only the most recent N learnings")
	rootCmd.AddCommand(postmortemCmd, insightsCmd, patternsCmd, effectivenessCmd)
}

func runPostmortem(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	failures, err := rt.db.ListPermanentFailures(ctx, 50)
	if err != nil {
		return err
	}
	patterns, err := rt.db.ListErrorPatterns(ctx, 20)
	if err != nil {
		return err
	}

	if postmortemFlags.asJSON {
		return emitJSON(out, map[string]any{
			"permanentFailures": failures,
			"errorPatterns":     patterns,
		})
	}

	if len(failures) == 0 {
		fmt.Fprintln(out, "no permanent failures recorded")
	}
	for _, f := range failures {
		fmt.Fprintf(out, "%s  [%s] %s\n", f.CreatedAt.Format("2006-01-02"), f.Category, f.Objective)
		fmt.Fprintf(out, "    %d attempts, last model %s\n", f.AttemptCount, f.LastModel)
		if f.SampleMessage != "" {
			fmt.Fprintf(out, "    %s\n", f.SampleMessage)
		}
	}
	if len(patterns) > 0 {
		fmt.Fprintln(out, "\ntop error patterns:")
		for _, p := range patterns {
			fmt.Fprintf(out, "  %4dx [%s] %s\n", p.Occurrences, p.Category, p.SampleMessage)
		}
	}
	return nil
}

func runInsights(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	learnings, err := rt.db.ListLearnings(cmd.Context())
	if err != nil {
		return err
	}
	if insightsFlags.since > 0 {
		cutoff := time.Now().Add(-insightsFlags.since)
		filtered := learnings[:0]
		for _, l := range learnings {
			if l.UpdatedAt.After(cutoff) {
				filtered = append(filtered, l)
			}
		}
		learnings = filtered
	}
	if n := insightsFlags.last; n > 0 && len(learnings) > n {
		learnings = learnings[:n]
	}

	out := cmd.OutOrStdout()
	if insightsFlags.asJSON {
		return emitJSON(out, learnings)
	}
	if len(learnings) == 0 {
		fmt.Fprintln(out, "no learnings recorded")
		return nil
	}
	for _, l := range learnings {
		fmt.Fprintf(out, "[%-10s] %.2f  %s\n", l.Category, l.Confidence, l.Content)
		if l.UsedCount > 0 {
			fmt.Fprintf(out, "             used %d times, %d successes\n", l.UsedCount, l.SuccessCount)
		}
	}
	return nil
}

func runPatterns(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	patterns, err := rt.db.ListErrorPatterns(ctx, 20)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		fmt.Fprintln(out, "no error patterns recorded")
	}
	for _, p := range patterns {
		fmt.Fprintf(out, "%4dx [%s] %s\n", p.Occurrences, p.Category, p.SampleMessage)
		fixes, err := rt.db.ListErrorFixes(ctx, p.Signature)
		if err != nil {
			continue
		}
		for _, f := range fixes {
			fmt.Fprintf(out, "      fix: %s (%d ok / %d failed)\n", f.Description, f.SuccessCount, f.FailureCount)
		}
	}

	stats, err := rt.db.ListKeywordStats(ctx)
	if err != nil {
		return err
	}
	if len(stats) > 0 {
		fmt.Fprintln(out, "\nkeyword reliability:")
		for _, k := range stats {
			fmt.Fprintf(out, "  %-20s %3.0f%% over %d tasks\n", k.Keyword, k.SuccessRatio()*100, k.TaskCount)
		}
	}
	return nil
}

func runEffectiveness(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-12s %-10s %8s %8s\n", "tier", "level", "runs", "success")

	for _, tier := range config.ValidTiers() {
		model := rt.cfg.Models.ForTier(tier)
		for _, level := range complexity.Levels() {
			success, total, err := rt.db.ModelSuccessRate(ctx, model, level)
			if err != nil || total == 0 {
				continue
			}
			fmt.Fprintf(out, "%-12s %-10s %8d %7.0f%%\n",
				tier, level, total, float64(success)/float64(total)*100)
		}
	}
	return nil
}

func emitJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
