package cli

import (
	"github.com/spf13/cobra"
)

var companyCmd = &cobra.Command{
	Use:   "company SYMBOL",
	Short: "Show ticker reference data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Company(cmd.Context(), args[0])
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Validate upstream API connectivity and credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Probe(cmd.Context())
	},
}
