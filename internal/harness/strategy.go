package harness

import (
	"context"
	"time"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/pkg/mesos"
)

// Strategy is one probe variant: it decides what each task runs, how offer
// consumption is paced, and how the run reacts to a task entering
// TASK_RUNNING.
type Strategy interface {
	// Name identifies the strategy in logs and the run report.
	Name() string
	// BuildTask produces the launch descriptor for the next trial.
	BuildTask(id string, agentID mesos.AgentID) (*mesos.TaskInfo, error)
	// OfferDelay is slept before each launch to pace the run. Zero means
	// launch as fast as offers arrive.
	OfferDelay() time.Duration
	// OnRunning is invoked each time a task transitions into
	// TASK_RUNNING. A non-nil error aborts the run.
	OnRunning(ctx context.Context, d driver.Driver, rec *TaskRecord) error
}

// sleepCtx sleeps for d or until the context ends, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
