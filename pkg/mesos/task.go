package mesos

import (
	"errors"
	"fmt"
)

// ErrInvalidParameters is returned when a task descriptor or a run cannot
// be built from the supplied arguments.
var ErrInvalidParameters = errors.New("invalid parameters")

// Default resource quantities for probe tasks.
const (
	DefaultCPUs  = 0.5
	DefaultMemMB = 256
)

// URI names an artifact fetched into the task sandbox before launch.
type URI struct {
	Value string `json:"value"`
}

// ContainerInfo selects the image a command runs inside.
type ContainerInfo struct {
	Image string `json:"image"`
}

// CommandInfo describes what a task executes: a shell line, artifacts to
// fetch first, and optionally the container image to run inside.
type CommandInfo struct {
	Value     string         `json:"value"`
	URIs      []URI          `json:"uris,omitempty"`
	Container *ContainerInfo `json:"container,omitempty"`
}

// ExecutorInfo describes a custom executor that supervises a task.
type ExecutorInfo struct {
	ExecutorID ExecutorID  `json:"executor_id"`
	Name       string      `json:"name"`
	Source     string      `json:"source,omitempty"`
	Command    CommandInfo `json:"command"`
}

// TaskInfo is the launch descriptor handed to the master for a single task.
// Exactly one of Command or Executor is set.
type TaskInfo struct {
	Name      string        `json:"name"`
	TaskID    TaskID        `json:"task_id"`
	AgentID   AgentID       `json:"agent_id"`
	Resources []Resource    `json:"resources,omitempty"`
	Command   *CommandInfo  `json:"command,omitempty"`
	Executor  *ExecutorInfo `json:"executor,omitempty"`
}

// TaskOpts overrides the default resource quantities for a task.
// Zero fields keep the defaults.
type TaskOpts struct {
	CPUs  float64
	MemMB float64
}

// NewCommand builds a CommandInfo from a shell line, artifact URIs and an
// optional container image.
func NewCommand(shell string, uris []string, image string) *CommandInfo {
	cmd := &CommandInfo{Value: shell}
	for _, u := range uris {
		cmd.URIs = append(cmd.URIs, URI{Value: u})
	}
	if image != "" {
		cmd.Container = &ContainerInfo{Image: image}
	}
	return cmd
}

func newTaskBase(id string, agentID AgentID, opts TaskOpts) (*TaskInfo, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrInvalidParameters)
	}
	if agentID.Value == "" {
		return nil, fmt.Errorf("%w: task %q has no agent id", ErrInvalidParameters, id)
	}
	cpus := opts.CPUs
	if cpus == 0 {
		cpus = DefaultCPUs
	}
	mem := opts.MemMB
	if mem == 0 {
		mem = DefaultMemMB
	}
	return &TaskInfo{
		Name:    id,
		TaskID:  TaskID{Value: id},
		AgentID: agentID,
		Resources: []Resource{
			ScalarResource(ResourceCPUs, cpus),
			ScalarResource(ResourceMem, mem),
		},
	}, nil
}

// NewCommandTask builds a task that runs a shell command, optionally inside a
// container image, after fetching the given URIs into its sandbox. A task
// with an image may leave the command empty, in which case the image's
// default entrypoint runs.
func NewCommandTask(id string, agentID AgentID, shell string, uris []string, image string, opts TaskOpts) (*TaskInfo, error) {
	if shell == "" && image == "" {
		return nil, fmt.Errorf("%w: task %q has neither a command nor an image", ErrInvalidParameters, id)
	}
	task, err := newTaskBase(id, agentID, opts)
	if err != nil {
		return nil, err
	}
	task.Command = NewCommand(shell, uris, image)
	return task, nil
}

// NewDaemonTask builds a task that runs a container image's default
// entrypoint. Daemon tasks never finish on their own and are stopped with a
// kill.
func NewDaemonTask(id string, agentID AgentID, image string, opts TaskOpts) (*TaskInfo, error) {
	if image == "" {
		return nil, fmt.Errorf("%w: daemon task %q needs an image", ErrInvalidParameters, id)
	}
	return NewCommandTask(id, agentID, "", nil, image, opts)
}

// NewExecutorTask builds a task supervised by a custom executor running the
// given command. The executor id and name mirror the task id.
func NewExecutorTask(id string, agentID AgentID, shell string, uris []string, image string, opts TaskOpts) (*TaskInfo, error) {
	if shell == "" {
		return nil, fmt.Errorf("%w: executor task %q needs a command", ErrInvalidParameters, id)
	}
	task, err := newTaskBase(id, agentID, opts)
	if err != nil {
		return nil, err
	}
	task.Executor = &ExecutorInfo{
		ExecutorID: ExecutorID{Value: id},
		Name:       id,
		Source:     "deimos-test",
		Command:    *NewCommand(shell, uris, image),
	}
	return task, nil
}
