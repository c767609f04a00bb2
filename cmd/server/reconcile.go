package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"github.com/warp/wallet-ledger/ledger"
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().String("user", "", "User whose wallets are rebuilt (required)")
	reconcileCmd.Flags().StringArray("wallet", nil, "Wallet id to rebuild, repeatable. Default: all wallets of the user")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild wallet aggregates from operations",
	Long: `Recompute the cached figures of a user's wallets from their operations
and print the rebuilt wallets as JSON. Unknown wallet ids are skipped.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		return errors.New("--user is required")
	}
	walletFlags, _ := cmd.Flags().GetStringArray("wallet")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := cfg.LedgerOptions()
	opts.SweepInterval = 0
	l := ledger.New(st, opts)

	ids := make([]ledger.WalletID, len(walletFlags))
	for i, id := range walletFlags {
		ids[i] = ledger.WalletID(id)
	}

	ws, err := l.ForceReconcile(context.Background(), ledger.UserID(user), ids)
	if err != nil {
		return err
	}
	if ws == nil {
		ws = []ledger.Wallet{}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(ws)
}
