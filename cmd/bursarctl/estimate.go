package main

import (
	"fmt"

	"github.com/spf13/cobra"

	bursarapi "inkwell/bursar/pkg/api/bursar"
)

func newEstimateCmd() *cobra.Command {
	var prompt string
	var maxTokens int64
	var units int64
	var wordsPerUnit int64
	var quality float64
	cmd := &cobra.Command{
		Use:   "estimate <model-id>",
		Short: "Project the credit cost of an operation without charging it",
		Long:  "Project the credit cost of an operation without charging it. Pass --units for a multi-unit job estimate, otherwise the estimate covers a single call sized from --prompt and --max-tokens.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			estimate, err := cli.Estimate(ctx, &bursarapi.EstimateRequest{
				Model:        args[0],
				PromptText:   prompt,
				MaxTokens:    maxTokens,
				Units:        units,
				WordsPerUnit: wordsPerUnit,
				Quality:      quality,
			})
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd, estimate)
			}

			b := estimate.Breakdown
			fmt.Fprintf(cmd.OutOrStdout(), "Estimated cost: %d credits\n", estimate.CreditsRequired)
			fmt.Fprintf(cmd.OutOrStdout(), " model=%s units=%d credits/unit=%d\n", b.Model, b.Units, b.CreditsPerUnit)
			fmt.Fprintf(cmd.OutOrStdout(), " tokens/unit: in=%d out=%d (base=%d x quality %.2f x retry %.2f x overhead %.2f)\n",
				b.InputTokensPerUnit, b.OutputTokensPerUnit, b.BaseTokens,
				b.QualityMultiplier, b.RetryMultiplier, b.OverheadMultiplier)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text to size the input from")
	cmd.Flags().Int64Var(&maxTokens, "max-tokens", 0, "output token cap for a single call")
	cmd.Flags().Int64Var(&units, "units", 0, "number of units for a job estimate (e.g. chapters)")
	cmd.Flags().Int64Var(&wordsPerUnit, "words-per-unit", 0, "target words per unit (required with --units)")
	cmd.Flags().Float64Var(&quality, "quality", 0, "quality dial 0..1 (scales drafting and retry allowance)")
	return cmd
}
