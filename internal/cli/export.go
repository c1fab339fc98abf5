package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-quality-pipeline/internal/app"
)

var (
	exportDays    int
	exportCSVPath string
	exportMaxRows int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export quality check history as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportDays < 0 {
			return fmt.Errorf("--days must not be negative")
		}

		opts := app.ExportOptions{
			Days:    exportDays,
			CSVPath: exportCSVPath,
			MaxRows: exportMaxRows,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().IntVar(&exportDays, "days", 30, "Days of history to export")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxRows, "max-rows", 0, "Maximum rows to export (defaults to config)")
}
