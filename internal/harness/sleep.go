package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/pkg/mesos"
)

// SleepOptions configures NewSleepStrategy.
type SleepOptions struct {
	// Sleep is how long each task sleeps before exiting.
	Sleep time.Duration
	// Trials sizes the offer pacing: launches are spread across one task
	// lifetime (delay = Sleep / Trials).
	Trials int
	// URIs are fetched into each task sandbox.
	URIs []string
	// Image optionally runs the command inside a container.
	Image string
}

// SleepStrategy launches short command tasks that print the time, sleep,
// print the time again and exit. Tasks finish on their own, so a healthy
// run ends with every trial TASK_FINISHED.
type SleepStrategy struct {
	sleep time.Duration
	uris  []string
	image string
	delay time.Duration
}

// NewSleepStrategy builds a sleep strategy from options. A negative sleep
// is treated as zero.
func NewSleepStrategy(opts SleepOptions) *SleepStrategy {
	sleep := opts.Sleep
	if sleep < 0 {
		sleep = 0
	}
	var delay time.Duration
	if opts.Trials > 0 {
		delay = sleep / time.Duration(opts.Trials)
	}
	return &SleepStrategy{
		sleep: sleep,
		uris:  opts.URIs,
		image: opts.Image,
		delay: delay,
	}
}

// Name returns "sleep".
func (s *SleepStrategy) Name() string {
	return "sleep"
}

// BuildTask returns a command task bracketing its sleep with timestamps, so
// sandbox stdout shows when the task actually ran.
func (s *SleepStrategy) BuildTask(id string, agentID mesos.AgentID) (*mesos.TaskInfo, error) {
	shell := fmt.Sprintf("date -u +%%T ; sleep %d ; date -u +%%T", int(s.sleep.Seconds()))
	return mesos.NewCommandTask(id, agentID, shell, s.uris, s.image, mesos.TaskOpts{})
}

// OfferDelay spreads launches across one task lifetime.
func (s *SleepStrategy) OfferDelay() time.Duration {
	return s.delay
}

// OnRunning does nothing; sleep tasks finish on their own.
func (s *SleepStrategy) OnRunning(ctx context.Context, d driver.Driver, rec *TaskRecord) error {
	return nil
}
