package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hub-cap/deimos/pkg/mesos"
)

// Containerizer runs launched tasks and reports their state transitions.
// Launch is asynchronous: the lifecycle arrives on Updates as STAGING,
// RUNNING and finally one terminal state. Kill is only valid for live
// tasks; terminated tasks are forgotten.
type Containerizer interface {
	Launch(task mesos.TaskInfo) error
	Kill(taskID string) error
	Updates() <-chan mesos.TaskStatus
	Close() error
}

// taskCommand returns the command a task runs, looking through a custom
// executor when one is set.
func taskCommand(task mesos.TaskInfo) *mesos.CommandInfo {
	if task.Executor != nil {
		return &task.Executor.Command
	}
	return task.Command
}

// daemonTask reports whether the task has no command line and therefore
// runs until killed.
func daemonTask(task mesos.TaskInfo) bool {
	cmd := taskCommand(task)
	return cmd == nil || cmd.Value == ""
}

// MockOptions tunes the synthetic task lifecycle.
type MockOptions struct {
	StartDelay  time.Duration // STAGING to RUNNING
	TaskRuntime time.Duration // RUNNING to FINISHED for command tasks
	FailEvery   int           // every Nth command task reports FAILED; 0 disables
}

// MockContainerizer simulates task execution without touching any runtime.
// Command tasks finish (or fail, per FailEvery) after TaskRuntime; daemon
// tasks run until killed.
type MockContainerizer struct {
	opts    MockOptions
	logger  *slog.Logger
	updates chan mesos.TaskStatus

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	launched int
	closed   bool
}

func NewMockContainerizer(opts MockOptions, logger *slog.Logger) *MockContainerizer {
	return &MockContainerizer{
		opts:    opts,
		logger:  logger.With("component", "containerizer", "kind", "mock"),
		updates: make(chan mesos.TaskStatus, 64),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (c *MockContainerizer) Launch(task mesos.TaskInfo) error {
	id := task.TaskID.Value
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("containerizer closed")
	}
	if _, live := c.cancels[id]; live {
		c.mu.Unlock()
		return fmt.Errorf("task %s is already running", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancels[id] = cancel
	c.launched++
	seq := c.launched
	c.mu.Unlock()

	go c.run(ctx, task, seq)
	return nil
}

func (c *MockContainerizer) Kill(taskID string) error {
	c.mu.Lock()
	cancel, live := c.cancels[taskID]
	c.mu.Unlock()
	if !live {
		return fmt.Errorf("unknown task %s", taskID)
	}
	cancel()
	return nil
}

func (c *MockContainerizer) Updates() <-chan mesos.TaskStatus {
	return c.updates
}

// Close cancels every live task. Their final updates may go undelivered
// once the consumer is gone.
func (c *MockContainerizer) Close() error {
	c.mu.Lock()
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (c *MockContainerizer) run(ctx context.Context, task mesos.TaskInfo, seq int) {
	id := task.TaskID.Value
	defer c.forget(id)

	c.emit(id, mesos.TaskStaging, "")
	if !c.pause(ctx, c.opts.StartDelay) {
		c.emit(id, mesos.TaskKilled, "task killed before it started")
		return
	}
	c.emit(id, mesos.TaskRunning, "")

	if daemonTask(task) {
		<-ctx.Done()
		c.emit(id, mesos.TaskKilled, "task killed")
		return
	}

	if !c.pause(ctx, c.opts.TaskRuntime) {
		c.emit(id, mesos.TaskKilled, "task killed")
		return
	}
	if c.opts.FailEvery > 0 && seq%c.opts.FailEvery == 0 {
		c.emit(id, mesos.TaskFailed, "command exited with status 1")
		return
	}
	c.emit(id, mesos.TaskFinished, "")
}

// pause sleeps for d, returning false when the task was killed first.
func (c *MockContainerizer) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *MockContainerizer) emit(id string, state mesos.TaskState, message string) {
	c.updates <- mesos.TaskStatus{
		TaskID:  mesos.TaskID{Value: id},
		State:   state,
		Message: message,
	}
}

func (c *MockContainerizer) forget(id string) {
	c.mu.Lock()
	delete(c.cancels, id)
	c.mu.Unlock()
}
