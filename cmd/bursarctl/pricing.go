package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	bursarapi "inkwell/bursar/pkg/api/bursar"
)

func newPricingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pricing", Short: "Manage model pricing"}
	cmd.AddCommand(newPricingListCmd())
	cmd.AddCommand(newPricingPutCmd())
	return cmd
}

func newPricingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the active pricing snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			pricing, err := cli.Pricing(ctx)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd, pricing)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pricing snapshot v%d (loaded %s), markup x%s\n",
				pricing.Version, time.Unix(pricing.LoadedAt, 0).UTC().Format(time.RFC3339), pricing.Markup)
			for _, entry := range pricing.Entries {
				markup := ""
				if entry.Markup != nil {
					markup = " markup=x" + *entry.Markup
				}
				fmt.Fprintf(cmd.OutOrStdout(), " - %s v%d in=$%s/1M out=$%s/1M%s\n",
					entry.ModelID, entry.Version, entry.InputUSDPer1M, entry.OutputUSDPer1M, markup)
			}
			return nil
		},
	}
}

func newPricingPutCmd() *cobra.Command {
	var inputRate string
	var outputRate string
	var markup string
	cmd := &cobra.Command{
		Use:   "put <model-id>",
		Short: "Publish the next pricing version for a model",
		Long:  "Publish the next pricing version for a model. Versions are immutable; in-flight holds keep the version they resolved at.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputRate == "" || outputRate == "" {
				return fmt.Errorf("--input-rate and --output-rate are required")
			}
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			req := &bursarapi.PricingUpsertRequest{
				ModelID:        args[0],
				InputUSDPer1M:  inputRate,
				OutputUSDPer1M: outputRate,
			}
			if markup != "" {
				req.Markup = &markup
			}
			if err := cli.PutPricing(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published pricing for %s: in=$%s/1M out=$%s/1M\n",
				args[0], inputRate, outputRate)
			return nil
		},
	}
	cmd.Flags().StringVar(&inputRate, "input-rate", "", "input rate in USD per 1M tokens (e.g. 3.00)")
	cmd.Flags().StringVar(&outputRate, "output-rate", "", "output rate in USD per 1M tokens (e.g. 15.00)")
	cmd.Flags().StringVar(&markup, "markup", "", "per-model markup override (e.g. 4.5)")
	return cmd
}
