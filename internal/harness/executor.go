package harness

import (
	"context"
	"time"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/pkg/mesos"
)

// ExecutorOptions configures NewExecutorStrategy.
type ExecutorOptions struct {
	// Command is the shell line the executor runs. Required.
	Command string
	// URIs are fetched into each task sandbox.
	URIs []string
	// Image optionally runs the executor inside a container.
	Image string
}

// ExecutorStrategy launches tasks supervised by a custom executor instead
// of the agent's command executor. Tasks run their command to completion;
// messages the executor sends back are logged by the scheduler.
type ExecutorStrategy struct {
	command string
	uris    []string
	image   string
}

// NewExecutorStrategy builds an executor strategy from options.
func NewExecutorStrategy(opts ExecutorOptions) *ExecutorStrategy {
	return &ExecutorStrategy{
		command: opts.Command,
		uris:    opts.URIs,
		image:   opts.Image,
	}
}

// Name returns "executor".
func (s *ExecutorStrategy) Name() string {
	return "executor"
}

// BuildTask returns a task whose executor id and name mirror the task id.
func (s *ExecutorStrategy) BuildTask(id string, agentID mesos.AgentID) (*mesos.TaskInfo, error) {
	return mesos.NewExecutorTask(id, agentID, s.command, s.uris, s.image, mesos.TaskOpts{})
}

// OfferDelay is zero; executor tasks launch as offers arrive.
func (s *ExecutorStrategy) OfferDelay() time.Duration {
	return 0
}

// OnRunning does nothing; executor tasks finish on their own.
func (s *ExecutorStrategy) OnRunning(ctx context.Context, d driver.Driver, rec *TaskRecord) error {
	return nil
}
