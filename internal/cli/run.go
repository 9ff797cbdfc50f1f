package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/hub-cap/deimos/internal/config"
	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/internal/harness"
	"github.com/hub-cap/deimos/pkg/mesos"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		test      string
		container string
		sleepSec  int
		trials    int
		command   string
		uris      []string
		probe     bool
		probePort int
		report    string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a conformance test against the master",
		Long: `run subscribes to the master as a framework, launches the configured
number of probe tasks from resource offers and watches their status
updates until every trial is terminal.

Exit codes: 0 when every trial finished cleanly, 1 when the run stopped
normally but at least one trial failed, 2 when the driver ended in an
anomalous state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultHarness()
			cfg.Master = config.MasterFromEnv()
			if flagConfig != "" {
				var err error
				cfg, err = config.LoadHarnessFile(flagConfig, cfg)
				if err != nil {
					return err
				}
			}

			// Flags set on the command line win over the config file.
			f := cmd.Flags()
			if f.Changed("master") {
				cfg.Master = flagMaster
			}
			if f.Changed("test") {
				cfg.Test = test
			}
			if f.Changed("test.container") {
				cfg.Container = container
			}
			if f.Changed("test.sleep") {
				cfg.SleepSeconds = sleepSec
			}
			if f.Changed("test.trials") {
				cfg.Trials = trials
			}
			if f.Changed("test.uris") {
				cfg.URIs = uris
			}
			if f.Changed("test.command") {
				cfg.Command = command
			}
			if f.Changed("test.probe") {
				cfg.Probe = probe
			}
			if f.Changed("test.probe-port") {
				cfg.ProbePort = probePort
			}
			if f.Changed("report") {
				cfg.Report = report
			}
			cfg.Timeout = timeout

			cfg.ApplyStrategyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runHarness(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&test, "test", config.TestSleep, "Test to run (sleep, pg, executor)")
	cmd.Flags().StringVar(&container, "test.container", "", "Container image tasks run in (for any test)")
	cmd.Flags().IntVar(&sleepSec, "test.sleep", config.DefaultSleepSeconds, "Seconds each task sleeps (for sleep test)")
	cmd.Flags().IntVar(&trials, "test.trials", 0, "Number of tasks to run, 0 = test default (for any test)")
	cmd.Flags().StringVar(&command, "test.command", "", "Command to use (for executor test)")
	cmd.Flags().StringArrayVar(&uris, "test.uris", nil, "Pass any number of times to add sandbox URIs (for any test)")
	cmd.Flags().BoolVar(&probe, "test.probe", false, "Probe postgres readiness before the kill (for pg test)")
	cmd.Flags().IntVar(&probePort, "test.probe-port", config.DefaultProbePort, "Port the readiness probe dials (for pg test)")
	cmd.Flags().StringVar(&report, "report", "", "Write a JSON run report to this path")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the run after this long, 0 = no bound")

	return cmd
}

// runHarness drives one run to completion and folds the outcome into the
// process exit code.
func runHarness(ctx context.Context, cfg config.HarnessConfig) error {
	strategy, err := buildStrategy(cfg)
	if err != nil {
		return err
	}

	run, err := harness.NewRunState(cfg.Trials, logger)
	if err != nil {
		return err
	}

	// User is left empty so the master attributes tasks to whoever runs
	// the agent, matching a real framework registration.
	drv := driver.NewHTTPDriver(cfg.Master, mesos.FrameworkInfo{
		Name: harness.TaskNamespace,
	}, logger)
	sched := harness.NewScheduler(run, strategy, drv, logger)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	startedAt := time.Now()
	logger.Info("starting run",
		"master", cfg.Master,
		"test", cfg.Test,
		"trials", cfg.Trials,
		"token", run.Token(),
	)

	st, runErr := drv.Run(ctx, sched)

	if cfg.Report != "" {
		rep := harness.BuildReport(run, strategy.Name(), st, startedAt)
		if err := rep.WriteFile(cfg.Report); err != nil {
			logger.Error("write report", "path", cfg.Report, "error", err)
		} else {
			logger.Info("report written", "path", cfg.Report)
		}
	}

	if st != driver.DriverStopped {
		return &exitError{code: 2, err: fmt.Errorf("driver ended in an anomalous state: %w", runErr)}
	}
	if run.Failed() {
		return &exitError{code: 1, err: fmt.Errorf("run failed, not all tasks made it: %s", run.SummaryLine())}
	}
	return nil
}

// buildStrategy constructs the strategy cfg selects. Strategy defaults
// must already be applied.
func buildStrategy(cfg config.HarnessConfig) (harness.Strategy, error) {
	switch cfg.Test {
	case config.TestSleep:
		return harness.NewSleepStrategy(harness.SleepOptions{
			Sleep:  time.Duration(cfg.SleepSeconds) * time.Second,
			Trials: cfg.Trials,
			URIs:   cfg.URIs,
			Image:  cfg.Container,
		}), nil
	case config.TestPG:
		opts := harness.DaemonOptions{Image: cfg.Container}
		if cfg.Probe {
			opts.Probe = harness.PostgresProbe(cfg.ProbePort)
		}
		return harness.NewDaemonStrategy(opts, logger), nil
	case config.TestExecutor:
		return harness.NewExecutorStrategy(harness.ExecutorOptions{
			Command: cfg.Command,
			URIs:    cfg.URIs,
			Image:   cfg.Container,
		}), nil
	default:
		return nil, fmt.Errorf("unknown test %q", cfg.Test)
	}
}
