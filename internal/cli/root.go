package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hub-cap/deimos/internal/config"
	"github.com/hub-cap/deimos/internal/logging"
	"github.com/spf13/cobra"
)

const version = "0.1.0-dev"

var (
	flagMaster    string
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// NewRootCmd creates the root cobra command for the deimos-test CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "deimos-test",
		Short:   "deimos-test — conformance harness for offer-based masters",
		Long:    "deimos-test subscribes to a master's scheduler API, launches probe\ntasks from resource offers and folds their status updates into a\npass/fail verdict for the run.",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.New(logging.Options{
				Level:  logging.ParseLevel(flagLogLevel),
				Format: flagLogFormat,
			})
			client = NewClient(flagMaster, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagMaster, "master", config.MasterFromEnv(), "Master URL (or DEIMOS_TEST_MASTER env)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file; flags set explicitly override it")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newStateCmd(),
		newUpdatesCmd(),
	)

	return root
}

// Execute runs the CLI and returns the process exit code: 0 for a clean
// run, 1 when the run stopped normally but a trial failed, 2 for an
// anomalous driver ending or a setup failure.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		var xe *exitError
		if errors.As(err, &xe) {
			return xe.code
		}
		return 2
	}
	return 0
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
