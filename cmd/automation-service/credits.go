package main

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust user credits",
}

var topUpCmd = &cobra.Command{
	Use:   "topup <user> <amount>",
	Short: "Credit a confirmed payment to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		txID, _ := cmd.Flags().GetString("transaction")
		if txID == "" {
			txID = "cli-" + uuid.NewString()
		}

		st, err := openPersistentStores(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		applied, err := st.ledger.ApplyPayment(cmd.Context(), args[0], txID, amount)
		if err != nil {
			return err
		}
		balance, err := st.ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !applied {
			fmt.Fprintf(cmd.OutOrStdout(), "transaction %s already applied\n", txID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], balance)
		return nil
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance <user>",
	Short: "Print a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openPersistentStores(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		balance, err := st.ledger.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], balance)
		return nil
	},
}

// openPersistentStores refuses in-memory stores: a CLI change to them would
// vanish on exit.
func openPersistentStores(cmd *cobra.Command) (*stores, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database_path is required for credit commands")
	}
	return openStores(cmd.Context(), cfg, nil)
}
