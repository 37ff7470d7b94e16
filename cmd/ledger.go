package cmd

import (
	"context"
	"errors"
	"fmt"
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/lmittmann/tint"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	"log/slog"
	"text/tabwriter"
)

var ledgerFlags struct {
	guildID int64
	userID  int64
	limit   int
	amount  float64
	reason  string
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or adjust balances without starting the bot",
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance --guild <id> --user <id>",
	Short: "Print a user's balance",
	Args:  cobra.NoArgs,
	RunE: withLedger(
		func(cmd *cobra.Command, ledger *monty.Ledger) error {
			fmt.Fprintln(
				cmd.OutOrStdout(),
				formatCredits(ledger.Balance(ledgerFlags.guildID, ledgerFlags.userID)),
			)
			return nil
		},
	),
}

var ledgerLeaderboardCmd = &cobra.Command{
	Use:   "leaderboard --guild <id>",
	Short: "Print a guild's balances, highest first",
	Args:  cobra.NoArgs,
	RunE: withLedger(
		func(cmd *cobra.Command, ledger *monty.Ledger) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tUSER\tBALANCE")
			for i, entry := range ledger.Leaderboard(ledgerFlags.guildID) {
				fmt.Fprintf(w, "%d\t%d\t%s\n", i+1, entry.UserID, formatCredits(entry.Balance))
			}
			return w.Flush()
		},
	),
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history --guild <id> --user <id>",
	Short: "Print a user's transactions, newest first",
	Args:  cobra.NoArgs,
	RunE: withLedger(
		func(cmd *cobra.Command, ledger *monty.Ledger) error {
			txns, err := ledger.History(
				cmd.Context(),
				ledgerFlags.guildID,
				ledgerFlags.userID,
				ledgerFlags.limit,
			)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tOLD\tNEW\tREASON")
			for _, txn := range txns {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%s\n",
					txn.Timestamp,
					formatCredits(txn.OldBalance.Float64()),
					formatCredits(txn.NewBalance.Float64()),
					txn.Reason,
				)
			}
			return w.Flush()
		},
	),
}

var ledgerGrantCmd = &cobra.Command{
	Use:   "grant --guild <id> --user <id> --amount <credits>",
	Short: "Add credits to (or, with a negative amount, remove from) a user's balance",
	Args:  cobra.NoArgs,
	RunE: withLedger(
		func(cmd *cobra.Command, ledger *monty.Ledger) error {
			if ledgerFlags.amount == 0 {
				return errors.New("--amount must be non-zero")
			}
			txn, err := ledger.ApplyTransaction(
				cmd.Context(),
				ledgerFlags.guildID,
				ledgerFlags.userID,
				ledgerFlags.amount,
				ledgerFlags.reason,
			)
			if err != nil {
				return err
			}
			fmt.Fprintf(
				cmd.OutOrStdout(),
				"%s -> %s\n",
				formatCredits(txn.OldBalance.Float64()),
				formatCredits(txn.NewBalance.Float64()),
			)
			return nil
		},
	),
}

// withLedger opens the configured database and loads its ledger before
// calling f
func withLedger(
	f func(cmd *cobra.Command, ledger *monty.Ledger) error,
) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ledger, db, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDB(db)
		return f(cmd, ledger)
	}
}

func openLedger(ctx context.Context) (*monty.Ledger, *gorm.DB, error) {
	db, err := monty.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database: %w", err)
	}
	logger := slog.New(
		tint.NewHandler(
			ledgerCmd.ErrOrStderr(),
			&tint.Options{Level: cfg.LogLevel, NoColor: true},
		),
	)
	ledger, err := monty.NewLedger(ctx, db, monty.WithLedgerLogger(logger))
	if err != nil {
		closeDB(db)
		return nil, nil, fmt.Errorf("error loading ledger: %w", err)
	}
	return ledger, db, nil
}

func formatCredits(v float64) string {
	return decimal.NewFromFloat(v).Round(4).String()
}

func init() {
	for _, c := range []*cobra.Command{
		ledgerBalanceCmd,
		ledgerLeaderboardCmd,
		ledgerHistoryCmd,
		ledgerGrantCmd,
	} {
		c.Flags().Int64Var(&ledgerFlags.guildID, "guild", 0, "Guild ID")
		_ = c.MarkFlagRequired("guild")
		if c != ledgerLeaderboardCmd {
			c.Flags().Int64Var(&ledgerFlags.userID, "user", 0, "User ID")
			_ = c.MarkFlagRequired("user")
		}
		ledgerCmd.AddCommand(c)
	}
	ledgerHistoryCmd.Flags().IntVar(
		&ledgerFlags.limit,
		"limit",
		20,
		"Max transactions to print (0 for all)",
	)
	ledgerGrantCmd.Flags().Float64Var(&ledgerFlags.amount, "amount", 0, "Credits to add")
	_ = ledgerGrantCmd.MarkFlagRequired("amount")
	ledgerGrantCmd.Flags().StringVar(
		&ledgerFlags.reason,
		"reason",
		"admin grant",
		"Reason recorded with the transaction",
	)
	rootCmd.AddCommand(ledgerCmd)
}
