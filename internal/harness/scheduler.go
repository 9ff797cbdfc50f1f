package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/pkg/mesos"
)

// Phase is the scheduler's position in the run lifecycle. Stopped is
// absorbing: once reached, no further launches, kills or stops happen,
// though late status updates are still recorded.
type Phase string

const (
	PhaseUnregistered Phase = "unregistered"
	PhaseRegistered   Phase = "registered"
	PhaseLaunching    Phase = "launching"
	PhaseDraining     Phase = "draining"
	PhaseStopped      Phase = "stopped"
)

// Scheduler drives one conformance run: it turns offers into probe task
// launches, folds status updates into the run state, and stops the driver
// exactly once, when every trial has reached a terminal state.
type Scheduler struct {
	run      *RunState
	strategy Strategy
	drv      driver.Driver
	logger   *slog.Logger

	mu          sync.Mutex
	phase       Phase
	frameworkID mesos.FrameworkID
}

// NewScheduler wires a run, a strategy and a driver together.
func NewScheduler(run *RunState, strategy Strategy, drv driver.Driver, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		run:      run,
		strategy: strategy,
		drv:      drv,
		logger:   logger.With("component", "scheduler", "strategy", strategy.Name()),
		phase:    PhaseUnregistered,
	}
}

// Run returns the scheduler's run state.
func (s *Scheduler) Run() *RunState {
	return s.run
}

// Phase returns the current lifecycle phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// FrameworkID returns the id assigned at registration.
func (s *Scheduler) FrameworkID() mesos.FrameworkID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameworkID
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// advance moves from expected phase to next, leaving any other phase alone.
func (s *Scheduler) advance(from, to Phase) {
	s.mu.Lock()
	if s.phase == from {
		s.phase = to
	}
	s.mu.Unlock()
}

// Registered records the framework id assigned by the master.
func (s *Scheduler) Registered(ctx context.Context, frameworkID mesos.FrameworkID) {
	s.mu.Lock()
	s.frameworkID = frameworkID
	if s.phase == PhaseUnregistered {
		s.phase = PhaseRegistered
	}
	s.mu.Unlock()
	s.logger.Info("registered with master",
		"framework_id", frameworkID.Value, "run_token", s.run.Token())
}

// ResourceOffers launches one task per offer until the trial budget is
// spent, pacing launches by the strategy's offer delay. Surplus offers are
// left for the driver to decline.
func (s *Scheduler) ResourceOffers(ctx context.Context, offers []mesos.Offer) error {
	if s.Phase() == PhaseStopped {
		s.logger.Debug("ignoring offers after stop", "offers", len(offers))
		return nil
	}
	for _, offer := range offers {
		if s.run.Remaining() == 0 {
			break
		}
		if delay := s.strategy.OfferDelay(); delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
		id := s.run.NextTaskID()
		task, err := s.strategy.BuildTask(id, offer.AgentID)
		if err != nil {
			return fmt.Errorf("build task %s: %w", id, err)
		}
		rec := &TaskRecord{ID: id, Task: task, AgentID: offer.AgentID, Hostname: offer.Hostname}
		if err := s.run.RecordLaunch(rec); err != nil {
			return fmt.Errorf("record launch %s: %w", id, err)
		}
		s.run.TaskLogger(id).Info("launching task",
			"agent", offer.AgentID.Value,
			"hostname", offer.Hostname,
			"remaining", s.run.Remaining())
		if err := s.drv.Launch(ctx, offer.ID, task); err != nil {
			return fmt.Errorf("launch %s: %w", id, err)
		}
		s.advance(PhaseRegistered, PhaseLaunching)
	}
	if s.run.Remaining() == 0 {
		s.advance(PhaseLaunching, PhaseDraining)
	}
	return nil
}

// StatusUpdate folds one status update into the run state, fires the
// strategy's running hook on transitions into TASK_RUNNING, and stops the
// driver once the run is complete.
func (s *Scheduler) StatusUpdate(ctx context.Context, status mesos.TaskStatus) error {
	id := status.TaskID.Value
	prev, err := s.run.RecordStatus(id, status.State, status.Message)
	if err != nil {
		s.logger.Warn("dropping update for unknown task", "task_id", id, "state", status.State)
		return nil
	}

	tl := s.run.TaskLogger(id)
	if status.State.IsFailure() && status.Message != "" {
		tl.Info("status update", "state", status.State, "message", status.Message)
	} else {
		tl.Info("status update", "state", status.State)
	}

	if s.Phase() == PhaseStopped {
		return nil
	}

	if status.State == mesos.TaskRunning && prev != mesos.TaskRunning {
		if rec, ok := s.run.Record(id); ok {
			if err := s.strategy.OnRunning(ctx, s.drv, rec); err != nil {
				return fmt.Errorf("running hook for %s: %w", id, err)
			}
		}
	}

	if s.run.Complete() {
		return s.finish(ctx)
	}
	return nil
}

// finish logs the run summary and stops the driver.
func (s *Scheduler) finish(ctx context.Context) error {
	s.logger.Info("all trials terminal",
		"summary", s.run.SummaryLine(), "failed", s.run.Failed())
	if err := s.drv.Stop(ctx); err != nil {
		return fmt.Errorf("stop driver: %w", err)
	}
	s.setPhase(PhaseStopped)
	return nil
}

// FrameworkMessage logs executor messages; no strategy reacts to them.
func (s *Scheduler) FrameworkMessage(ctx context.Context, executorID mesos.ExecutorID, agentID mesos.AgentID, data string) {
	s.logger.Info("framework message",
		"executor", executorID.Value,
		"agent", agentID.Value,
		"bytes", len(data))
}
