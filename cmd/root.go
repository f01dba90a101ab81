// Package cmd provides the root command and CLI setup for ilcov.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"ilcov.dev/pkg/ilcov/internal/adapter"
	"ilcov.dev/pkg/ilcov/internal/controller"
	m "ilcov.dev/pkg/ilcov/internal/model"
)

var binaryFS adapter.BinaryFSAdapter
var reportStore adapter.ReportStore
var ui controller.UI

// outputDirFlag is a root-level flag shared by commands that write
// instrumented binaries.
var outputDirFlag string

// reportPathFlag is a root-level flag naming the coverage report file.
var reportPathFlag string

// verboseFlag raises the log level to debug.
var verboseFlag bool

func init() {
	configureRootFlags(rootCmd)

	// Initialize shared dependencies.
	ui = controller.NewUI(rootCmd, controller.IsTTY(os.Stdout))
	binaryFS = adapter.NewLocalBinaryFSAdapter()
	reportStore = adapter.NewReportStore()
}

const rootLongDescription = `ilcov measures sequence-point coverage of container binaries. It rewrites
each method body to report every executed sequence point, merges the counts
into a persisted XML report, and ships viewers for the result.

Typical flow:
  ilcov instrument ./bin        instrument the binaries in ./bin
  <run the instrumented code>   counts accumulate in the report
  ilcov report                  print the coverage summary`

// rootCmd represents the base command when called without any subcommands.
var rootCmd = baseRootCmd()

func baseRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ilcov",
		Short: "Sequence-point coverage for container binaries",
		Long:  rootLongDescription,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			configureLogger("", verboseFlag)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
}

// newRootCmd builds a fresh root command with its flags configured. Tests
// use it to execute subcommands without sharing rootCmd state.
func newRootCmd() *cobra.Command {
	cmd := baseRootCmd()
	configureRootFlags(cmd)

	return cmd
}

func configureRootFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().
		StringVarP(
			&outputDirFlag, outputFlagName, "o",
			viper.GetString(outputFlagName),
			"output directory for instrumented binaries",
		)
	bindFlagToConfig(cmd.PersistentFlags().Lookup(outputFlagName), outputFlagName)

	cmd.PersistentFlags().
		StringVarP(
			&reportPathFlag, reportFlagName, "r",
			viper.GetString(reportFlagName),
			"path of the coverage report file",
		)
	bindFlagToConfig(cmd.PersistentFlags().Lookup(reportFlagName), reportFlagName)

	cmd.PersistentFlags().BoolVarP(&verboseFlag, verboseFlagName, "v", viper.GetBool(logVerboseKey), "log at debug level")
	bindFlagToConfig(cmd.PersistentFlags().Lookup(verboseFlagName), logVerboseKey)
}

// bindFlagToConfig wires a Cobra flag to a Viper key so config/env values feed the flag.
func bindFlagToConfig(flag *pflag.Flag, key string) {
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}

	cobra.CheckErr(viper.BindPFlag(key, flag))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func parsePaths(args []string) []m.Path {
	paths := make([]m.Path, 0, len(args))
	for _, arg := range args {
		paths = append(paths, m.Path(arg))
	}

	return paths
}
