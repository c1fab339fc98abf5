package cli

import (
	"github.com/spf13/cobra"

	"market-quality-pipeline/internal/app"
)

var (
	checkOnly   string
	checkRunID  string
	checkTaskID string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run data quality checks and record the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), app.CheckOptions{
			Only:   checkOnly,
			RunID:  checkRunID,
			TaskID: checkTaskID,
		})
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkOnly, "only", "", "Run a single check (freshness, price_validity, portfolio_consistency, transaction_integrity, completeness)")
	checkCmd.Flags().StringVar(&checkRunID, "run-id", "", "Run identifier recorded with results (generated when empty)")
	checkCmd.Flags().StringVar(&checkTaskID, "task-id", "quality_check", "Task identifier recorded with results")
}
