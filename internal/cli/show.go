package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-quality-pipeline/internal/app"
)

var (
	showDays  int
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent quality check results",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showDays < 0 {
			return fmt.Errorf("--days must not be negative")
		}

		opts := app.ShowOptions{
			Days:  showDays,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showDays, "days", 7, "Days of history to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 50, "Maximum number of results to display")
}
