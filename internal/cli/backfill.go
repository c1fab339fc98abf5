package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-quality-pipeline/internal/app"
)

var (
	backfillFrom    string
	backfillTo      string
	backfillSymbols []string
	backfillDryRun  bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill daily bars for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.DateOnly, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.DateOnly, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			From:    from,
			To:      to,
			Symbols: backfillSymbols,
			DryRun:  backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First session (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last session (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringSliceVar(&backfillSymbols, "symbols", nil, "Symbols to backfill (defaults to ingest.symbols)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Fetch without writing to storage")
}
