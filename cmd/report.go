package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	m "ilcov.dev/pkg/ilcov/internal/model"
)

// reportCmd represents the report command.
var reportCmd = newReportCmd()

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the per-module coverage summary",
		Long:  "Print the per-module coverage summary from the XML report.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := reportStore.Load(m.Path(viper.GetString(reportFlagName)))

			return ui.DisplaySummary(cmd.Context(), doc, err)
		},
	}

	return cmd
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
