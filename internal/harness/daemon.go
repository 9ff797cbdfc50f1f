package harness

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/pkg/mesos"
)

// Defaults of the daemon strategy.
const (
	DefaultDaemonGrace = 2 * time.Second
	DefaultDaemonDelay = 2 * time.Second
)

// ReadinessProbe checks that a daemon task actually serves on its host
// before the task is killed.
type ReadinessProbe func(ctx context.Context, hostname string) error

// DaemonOptions configures NewDaemonStrategy.
type DaemonOptions struct {
	// Image is the container image whose default entrypoint runs.
	Image string
	// Grace is how long to wait after TASK_RUNNING before the kill.
	// Zero selects DefaultDaemonGrace.
	Grace time.Duration
	// Delay paces offer consumption. Zero selects DefaultDaemonDelay.
	Delay time.Duration
	// Probe, when non-nil, runs against the task's host after the grace
	// and before the kill. Probe failures are logged, not fatal.
	Probe ReadinessProbe
}

// DaemonStrategy launches long-running container tasks and kills each one
// shortly after it first reports TASK_RUNNING. Daemon tasks therefore end
// TASK_KILLED, which the outcome fold counts as a failure, so even a fully
// healthy pg run reports a failing exit. The run report and logs carry the
// per-task states needed to read such a run.
type DaemonStrategy struct {
	image  string
	grace  time.Duration
	delay  time.Duration
	probe  ReadinessProbe
	logger *slog.Logger
}

// NewDaemonStrategy builds a daemon strategy from options.
func NewDaemonStrategy(opts DaemonOptions, logger *slog.Logger) *DaemonStrategy {
	grace := opts.Grace
	if grace == 0 {
		grace = DefaultDaemonGrace
	}
	delay := opts.Delay
	if delay == 0 {
		delay = DefaultDaemonDelay
	}
	return &DaemonStrategy{
		image:  opts.Image,
		grace:  grace,
		delay:  delay,
		probe:  opts.Probe,
		logger: logger.With("component", "daemon-strategy"),
	}
}

// Name returns "pg".
func (s *DaemonStrategy) Name() string {
	return "pg"
}

// BuildTask returns a daemon task running the image's default entrypoint.
func (s *DaemonStrategy) BuildTask(id string, agentID mesos.AgentID) (*mesos.TaskInfo, error) {
	return mesos.NewDaemonTask(id, agentID, s.image, mesos.TaskOpts{})
}

// OfferDelay paces daemon launches.
func (s *DaemonStrategy) OfferDelay() time.Duration {
	return s.delay
}

// OnRunning waits out the grace period, optionally probes the daemon, and
// kills the task. The kill is issued once per transition into TASK_RUNNING;
// a failed kill call is fatal for the run.
func (s *DaemonStrategy) OnRunning(ctx context.Context, d driver.Driver, rec *TaskRecord) error {
	if err := sleepCtx(ctx, s.grace); err != nil {
		return err
	}
	if s.probe != nil {
		if err := s.probe(ctx, rec.Hostname); err != nil {
			s.logger.Warn("readiness probe failed",
				"task_id", rec.ID, "hostname", rec.Hostname, "error", err)
		} else {
			s.logger.Info("readiness probe succeeded",
				"task_id", rec.ID, "hostname", rec.Hostname)
		}
	}
	s.logger.Info("killing daemon task", "task_id", rec.ID)
	if err := d.Kill(ctx, mesos.TaskID{Value: rec.ID}); err != nil {
		return fmt.Errorf("kill %s: %w", rec.ID, err)
	}
	return nil
}

// PostgresProbe returns a ReadinessProbe that connects to postgres on the
// given port of the task host and pings it.
func PostgresProbe(port int) ReadinessProbe {
	return func(ctx context.Context, hostname string) error {
		dsn := fmt.Sprintf("postgres://postgres@%s:%d/postgres?sslmode=disable&connect_timeout=2", hostname, port)
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open postgres connection: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping postgres at %s:%d: %w", hostname, port, err)
		}
		return nil
	}
}
