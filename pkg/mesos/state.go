// Package mesos holds the subset of the Mesos v1 scheduler API the harness
// and the simulated master exchange: task lifecycle states, task launch
// descriptors, and the Call/Event wire messages.
package mesos

// TaskState represents the lifecycle state of a task as reported by the master.
type TaskState string

const (
	TaskStaging  TaskState = "TASK_STAGING"
	TaskStarting TaskState = "TASK_STARTING"
	TaskRunning  TaskState = "TASK_RUNNING"
	TaskFinished TaskState = "TASK_FINISHED"
	TaskFailed   TaskState = "TASK_FAILED"
	TaskKilled   TaskState = "TASK_KILLED"
	TaskLost     TaskState = "TASK_LOST"
)

// String returns the wire name of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task has reached a final state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskKilled, TaskLost:
		return true
	}
	return false
}

// IsFailure returns true if the task ended without finishing successfully.
// Every failure state is terminal; TASK_FINISHED is the only terminal state
// that is not a failure.
func (s TaskState) IsFailure() bool {
	switch s {
	case TaskFailed, TaskKilled, TaskLost:
		return true
	}
	return false
}
