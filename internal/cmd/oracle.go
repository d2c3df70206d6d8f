package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/undercity-dev/undercity/internal/config"
	"github.com/undercity-dev/undercity/internal/learning"
	"github.com/undercity-dev/undercity/internal/llm"
)

var oracleCmd = &cobra.Command{
	Use:   "oracle [situation]",
	Short: "Ask for advice grounded in accumulated learnings",
	Long: `Oracle answers a free-form question about the codebase or a stuck
situation. The answer is grounded in the knowledge base: relevant
learnings and similar past decisions are folded into the prompt.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOracle,
}

func init() {
	rootCmd.AddCommand(oracleCmd)
}

func runOracle(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	situation := strings.Join(args, " ")

	var notes []string
	if learnings, err := rt.learning.Relevant(ctx, situation, 8); err == nil && len(learnings) > 0 {
		notes = append(notes, "Relevant learnings:\n"+learning.RenderCompact(learnings))
	}
	if similar, err := rt.decider.FindSimilar(ctx, situation, 3); err == nil {
		for _, d := range similar {
			if d.Resolution != nil {
				notes = append(notes, fmt.Sprintf("Past decision: %s -> %s", d.Question, d.Resolution.Decision))
			}
		}
	}

	prompt := situation
	if len(notes) > 0 {
		prompt = strings.Join(notes, "\n") + "\n\nSituation: " + situation
	}

	resp, err := rt.llm.Complete(ctx, llm.Request{
		Tier:     config.TierMid,
		System:   "You advise on an autonomous coding session. Be concrete and brief; lean on the provided learnings when they apply.",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(resp.Content))
	return nil
}
