package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/Portus/internal/config"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/internal/server"
	"github.com/turtacn/Portus/pkg/consts"
	"github.com/turtacn/Portus/pkg/logger"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "portus",
	Short:         "Portus: an application server front-end with a managed process pool",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries the process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var startDummy bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return &exitError{code: consts.ExitConfigError, err: err}
		}
		logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
		logger.Log.Info("Booting Portus", "version", Version, "config", cfgFile, "apps", len(cfg.Apps))

		var opts []server.Option
		if startDummy {
			logger.Log.Warn("Using in-process dummy workers")
			opts = append(opts, server.WithSpawner(pool.NewDummySpawner("", 0)))
		}
		if err := server.New(cfg, opts...).Run(context.Background()); err != nil {
			logger.Log.Error("Server stopped with an error", "err", err)
			return &exitError{code: server.ExitCode(err), err: err}
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "portus", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "portus.yaml", "config file path")
	startCmd.Flags().BoolVar(&startDummy, "dummy", false, "serve with in-process dummy workers instead of spawning apps")
	rootCmd.AddCommand(startCmd, versionCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(consts.ExitConfigError)
	}
}

// Personal.AI order the ending
