package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ilcov.dev/pkg/ilcov/internal/recorder"
	"ilcov.dev/pkg/ilcov/internal/tracer"
	"ilcov.dev/pkg/ilcov/pkg"
)

var (
	serveTokenFlag      string
	serveActivationFlag int64
)

const serveLongDescription = `Run the relay peer for out-of-process tracers. The relay listens on the
channel named by the token, activates connecting tracers, journals every
received hit, and merges the counts into the coverage report when each
session ends. Stop it with Ctrl-C.`

// serveCmd represents the serve command.
var serveCmd = newServeCmd()

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracer relay",
		Long:  serveLongDescription,
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec := recorder.New(viper.GetString(reportFlagName))

			journal, err := pkg.NewHitJournal(os.TempDir())
			if err != nil {
				return err
			}

			defer func() {
				_ = journal.Close()
			}()

			relay, err := tracer.NewRelay(viper.GetString(tokenConfigKey), rec, journal)
			if err != nil {
				return err
			}

			relay.SessionGrace = time.Duration(viper.GetInt64(activationKey)) * time.Second

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Last-resort flush in case the graceful path below never
			// runs; the handler leaves shutdown to the context above.
			stopHooks := rec.InstallExitHooks()
			defer stopHooks()

			cmd.Printf("Relay listening on channel %q, report %s\n",
				viper.GetString(tokenConfigKey), viper.GetString(reportFlagName))

			if err := relay.Serve(ctx); err != nil {
				return err
			}

			return rec.Close()
		},
	}

	configureServeFlags(cmd)

	return cmd
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func configureServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serveTokenFlag, tokenFlagName, "t", viper.GetString(tokenConfigKey), "channel token tracers connect with")
	bindFlagToConfig(cmd.Flags().Lookup(tokenFlagName), tokenConfigKey)

	cmd.Flags().Int64Var(&serveActivationFlag, activationFlagName, viper.GetInt64(activationKey), "seconds an activated session may stay silent before it is dropped")
	bindFlagToConfig(cmd.Flags().Lookup(activationFlagName), activationKey)
}
