package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"inkwell/bursar/pkg/clients/bursar"
	"inkwell/bursar/pkg/config"
	"inkwell/bursar/pkg/logging"
)

var (
	baseURL      string
	serviceToken string
	output       string
	timeout      time.Duration
)

// newRootCmd returns the root command for the bursarctl ops tool.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bursarctl",
		Short:         "Operator tool for the Bursar credits service",
		Long:          "bursarctl inspects balances and ledgers, grants and refunds credits, and manages model pricing over the Bursar API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&baseURL, "url", config.GetEnv("BURSAR_URL", "http://localhost:18010"), "Bursar base URL (env: BURSAR_URL)")
	rootCmd.PersistentFlags().StringVar(&serviceToken, "token", config.GetEnv("SERVICE_TOKEN", ""), "service token (env: SERVICE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "output format: json|text")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "per-request timeout")

	rootCmd.AddCommand(newBalanceCmd())
	rootCmd.AddCommand(newTransactionsCmd())
	rootCmd.AddCommand(newGrantCmd())
	rootCmd.AddCommand(newRefundCmd())
	rootCmd.AddCommand(newPricingCmd())
	rootCmd.AddCommand(newEstimateCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newAPIClient builds a Bursar client from the persistent flags. The token
// is required for every subcommand, so missing config fails here rather
// than as a 401 from the server.
func newAPIClient() (*bursar.Client, error) {
	if serviceToken == "" {
		return nil, fmt.Errorf("service token required; set SERVICE_TOKEN or pass --token")
	}
	return bursar.NewClient(bursar.Config{
		BaseURL:      baseURL,
		ServiceToken: serviceToken,
		Timeout:      timeout,
		Logger:       logging.NewLogger(),
	}), nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// printJSON writes v indented to the command's stdout.
func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
