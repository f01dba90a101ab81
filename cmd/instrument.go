package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ilcov.dev/pkg/ilcov/internal/filter"
	"ilcov.dev/pkg/ilcov/internal/instrument"
	"ilcov.dev/pkg/ilcov/internal/sign"
)

var instrumentParallelFlag int
var instrumentKeysFlag string
var instrumentIncludeFlags []string
var instrumentRecorderTplFlag string

const instrumentLongDescription = `Rewrite container binaries so every executed sequence point is reported to
the runtime recorder. Arguments may be binaries or directories; directories
are scanned one level deep for container files.

The rewritten binaries, the recorder companion, and the seeded coverage
report land in the output directory and report path respectively.`

// instrumentCmd represents the instrument command.
var instrumentCmd = newInstrumentCmd()

func newInstrumentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instrument [binaries...]",
		Short: "Instrument binaries for coverage recording",
		Long:  instrumentLongDescription,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := binaryFS.CollectAssemblies(parsePaths(args))
			if err != nil {
				return err
			}

			if len(inputs) == 0 {
				return fmt.Errorf("no container binaries found")
			}

			cfg, err := buildInstrumentConfig()
			if err != nil {
				return err
			}

			threads := viper.GetInt(parallelConfigKey)
			ui.DisplayInstrumentationInfo(cmd.Context(), len(inputs), threads)

			paths := make([]string, len(inputs))
			for i, input := range inputs {
				paths[i] = string(input)
			}

			return instrument.NewWorkflow(cfg, threads).Run(paths)
		},
	}

	configureInstrumentFlags(cmd)

	return cmd
}

func buildInstrumentConfig() (instrument.Config, error) {
	var replacement *sign.KeyPair

	if path := viper.GetString(keysConfigKey); path != "" {
		var err error

		replacement, err = sign.LoadReplacementKey(path)
		if err != nil {
			return instrument.Config{}, err
		}
	}

	return instrument.Config{
		OutputDir:        viper.GetString(outputFlagName),
		ReportPath:       viper.GetString(reportFlagName),
		Oracle:           filter.NewAssemblies(viper.GetStringSlice(includeConfigKey)),
		Rewriter:         sign.NewRewriter(replacement),
		RecorderTemplate: viper.GetString(recorderTplKey),
	}, nil
}

func init() {
	rootCmd.AddCommand(instrumentCmd)
}

func configureInstrumentFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&instrumentParallelFlag, parallelFlagName, "p", viper.GetInt(parallelConfigKey), "number of parallel instrumentation workers")
	bindFlagToConfig(cmd.Flags().Lookup(parallelFlagName), parallelConfigKey)

	cmd.Flags().StringArrayVarP(&instrumentIncludeFlags, includeFlagName, "i", viper.GetStringSlice(includeConfigKey), "instrument only assemblies with these names (can be repeated)")
	bindFlagToConfig(cmd.Flags().Lookup(includeFlagName), includeConfigKey)

	cmd.Flags().StringVarP(&instrumentKeysFlag, keysFlagName, "k", viper.GetString(keysConfigKey), "keys.yaml whose first key re-signs instrumented binaries")
	bindFlagToConfig(cmd.Flags().Lookup(keysFlagName), keysConfigKey)

	cmd.Flags().StringVar(&instrumentRecorderTplFlag, recorderTplFlag, viper.GetString(recorderTplKey), "recorder template binary (defaults to the built-in template)")
	bindFlagToConfig(cmd.Flags().Lookup(recorderTplFlag), recorderTplKey)
}
