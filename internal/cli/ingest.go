package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"market-quality-pipeline/internal/app"
)

var (
	ingestSymbols     []string
	ingestDate        string
	ingestRunID       string
	ingestTaskID      string
	ingestSkipQuality bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch quotes once, store them and score data quality",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.IngestOptions{
			Symbols:     ingestSymbols,
			RunID:       ingestRunID,
			TaskID:      ingestTaskID,
			SkipQuality: ingestSkipQuality,
		}

		if ingestDate != "" {
			date, err := time.Parse(time.DateOnly, ingestDate)
			if err != nil {
				return fmt.Errorf("invalid --date value: %w", err)
			}
			opts.Date = &date
		}

		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestSymbols, "symbols", nil, "Symbols to fetch (defaults to ingest.symbols)")
	ingestCmd.Flags().StringVar(&ingestDate, "date", "", "Load daily open/close for this session (YYYY-MM-DD) instead of last trades")
	ingestCmd.Flags().StringVar(&ingestRunID, "run-id", "", "Run identifier recorded with quality results")
	ingestCmd.Flags().StringVar(&ingestTaskID, "task-id", "ingest", "Task identifier recorded with quality results")
	ingestCmd.Flags().BoolVar(&ingestSkipQuality, "skip-quality", false, "Do not run quality checks after ingesting")
}
