package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	bursarapi "inkwell/bursar/pkg/api/bursar"
	"inkwell/bursar/pkg/models"
	"inkwell/bursar/pkg/version"
)

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			balance, err := cli.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd, balance)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Balance:   %d credits\n", balance.Balance)
			fmt.Fprintf(cmd.OutOrStdout(), "Pending:   %d credits held\n", balance.Pending)
			fmt.Fprintf(cmd.OutOrStdout(), "Available: %d credits\n", balance.Available)
			if !balance.UpdatedAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "Updated:   %s\n", balance.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newTransactionsCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "transactions <user-id>",
		Short: "Page through a user's ledger history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			page, err := cli.Transactions(ctx, args[0], limit, cursor)
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd, page)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transactions (%d)\n", len(page.Transactions))
			for _, txn := range page.Transactions {
				printTxn(cmd, &txn)
			}
			if page.HasMore {
				fmt.Fprintf(cmd.OutOrStdout(), "More available: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume cursor from the previous page")
	return cmd
}

func newGrantCmd() *cobra.Command {
	var reason string
	var dedupeKey string
	cmd := &cobra.Command{
		Use:   "grant <user-id> <credits>",
		Short: "Grant settled credits to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseCredits(args[1])
			if err != nil {
				return err
			}
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			resp, err := cli.Grant(ctx, &bursarapi.GrantRequest{
				UserID:    args[0],
				Amount:    amount,
				Reason:    reason,
				DedupeKey: dedupeKey,
			})
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Granted %d credits to %s (txn %s), balance now %d\n",
				amount, args[0], resp.Transaction.ID, resp.Balance.Balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_grant", "reason recorded on the ledger row")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "idempotency key (reruns replay the original)")
	return cmd
}

func newRefundCmd() *cobra.Command {
	var reason string
	var dedupeKey string
	var originalTxn string
	cmd := &cobra.Command{
		Use:   "refund <user-id> <credits>",
		Short: "Refund previously debited credits to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseCredits(args[1])
			if err != nil {
				return err
			}
			cli, err := newAPIClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext()
			defer cancel()

			var meta models.Meta
			if originalTxn != "" {
				meta.OriginalTxnID = originalTxn
			}
			resp, err := cli.Refund(ctx, &bursarapi.GrantRequest{
				UserID:    args[0],
				Amount:    amount,
				Reason:    reason,
				Meta:      meta,
				DedupeKey: dedupeKey,
			})
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refunded %d credits to %s (txn %s), balance now %d\n",
				amount, args[0], resp.Transaction.ID, resp.Balance.Balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_refund", "reason recorded on the ledger row")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "idempotency key (reruns replay the original)")
	cmd.Flags().StringVar(&originalTxn, "txn", "", "original debit transaction to link the refund to")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show bursarctl version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetInfo()
			if output == "json" {
				return printJSON(cmd, info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bursarctl %s (%s, built %s)\n", info.Version, version.GetShortCommit(), info.BuildDate)
			return nil
		},
	}
}

func parseCredits(s string) (int64, error) {
	var amount int64
	if _, err := fmt.Sscanf(s, "%d", &amount); err != nil {
		return 0, fmt.Errorf("invalid credit amount %q: %w", s, err)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return amount, nil
}

func printTxn(cmd *cobra.Command, txn *models.Transaction) {
	settled := ""
	if txn.CompletedAt != nil {
		settled = " settled=" + txn.CompletedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(cmd.OutOrStdout(), " - %s %s/%s %+d credits reason=%s balance_after=%d %s%s\n",
		txn.ID, txn.Type, txn.Status, txn.Amount, txn.Reason, txn.BalanceAfter,
		txn.CreatedAt.Format(time.RFC3339), settled)
}
