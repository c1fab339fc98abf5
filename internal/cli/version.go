package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"market-quality-pipeline/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\nversion: %s\ncommit: %s\nbuilt: %s\n", version.UserAgent(), version.Version, version.Commit, version.BuildDate)
	},
}
