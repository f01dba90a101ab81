package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	m "ilcov.dev/pkg/ilcov/internal/model"
)

// viewCmd represents the view command.
var viewCmd = newViewCmd()

func newViewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Browse the coverage report per method and line",
		Long:  "Browse the coverage report interactively, module by module down to per-line visit counts.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := reportStore.Load(m.Path(viper.GetString(reportFlagName)))
			if err != nil {
				return err
			}

			return ui.DisplayReport(cmd.Context(), doc)
		},
	}

	return cmd
}

func init() {
	rootCmd.AddCommand(viewCmd)
}
