package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"genpay/internal/infrastructure/database"
	"genpay/internal/service"

	"github.com/spf13/cobra"
)

func newReconcileCmd(configPath *string) *cobra.Command {
	var (
		userID int64
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare wallets with their ledger journal",
		Long: "Replays the journal of one user (--user-id) or of every wallet touched within --since " +
			"and prints the wallets that drifted. Exits non-zero when drift is found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			db, err := database.Open(&cfg.Database)
			if err != nil {
				return err
			}
			defer closeDB(db)

			ledger := service.NewLedgerService(db, cfg, nil)
			out := json.NewEncoder(os.Stdout)
			out.SetIndent("", "  ")

			if userID > 0 {
				report, err := ledger.Reconcile(cmd.Context(), userID)
				if err != nil {
					return err
				}
				if err := out.Encode(report); err != nil {
					return err
				}
				if !report.Consistent() {
					return fmt.Errorf("wallet of user %d drifted from its journal", userID)
				}
				return nil
			}

			var from time.Time
			if since > 0 {
				from = time.Now().UTC().Add(-since)
			}
			drift, err := ledger.ReconcileTouchedSince(cmd.Context(), from, limit)
			if err != nil {
				return err
			}
			if err := out.Encode(drift); err != nil {
				return err
			}
			if len(drift) > 0 {
				return fmt.Errorf("%d wallets drifted from their journal", len(drift))
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user-id", 0, "reconcile a single user")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "only wallets touched within this window, 0 for all")
	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum wallets to check")
	return cmd
}
