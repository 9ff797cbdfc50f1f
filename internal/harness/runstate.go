// Package harness implements the conformance run itself: the run state that
// tracks launched tasks and their statuses, the scheduler that reacts to
// master events, and the probe strategies that decide what each task runs.
package harness

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hub-cap/deimos/pkg/mesos"
)

// TaskNamespace prefixes every task id so runs are recognizable in master
// UIs and agent sandboxes.
const TaskNamespace = "deimos-test"

// TaskRecord is the harness-side record of one launched task. Everything
// except LastStatus and LastMessage is immutable once the launch is
// recorded.
type TaskRecord struct {
	ID       string
	Task     *mesos.TaskInfo
	AgentID  mesos.AgentID
	Hostname string
	// LastStatus is the most recent state reported for the task, or the
	// empty string before the first update.
	LastStatus mesos.TaskState
	// LastMessage is the message carried by the most recent update.
	LastMessage string
}

// RunState tracks one conformance run: the tasks launched under the run
// token, the last reported state of each, and the trial budget. All methods
// are safe for concurrent use.
type RunState struct {
	mu      sync.Mutex
	token   string
	target  int
	seq     int
	records []*TaskRecord
	byID    map[string]*TaskRecord
	loggers map[string]*slog.Logger
	logger  *slog.Logger
}

// NewRunState creates a RunState for target trials under a fresh random run
// token.
func NewRunState(target int, logger *slog.Logger) (*RunState, error) {
	if target <= 0 {
		return nil, fmt.Errorf("%w: trial target must be positive, got %d", mesos.ErrInvalidParameters, target)
	}
	token, err := newRunToken()
	if err != nil {
		return nil, err
	}
	return &RunState{
		token:   token,
		target:  target,
		byID:    make(map[string]*TaskRecord),
		loggers: make(map[string]*slog.Logger),
		logger:  logger,
	}, nil
}

// newRunToken returns eight random hex characters. The token namespaces all
// task ids of one run, so concurrent runs against the same master cannot
// collide.
func newRunToken() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate run token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Token returns the run token.
func (r *RunState) Token() string {
	return r.token
}

// Target returns the trial budget.
func (r *RunState) Target() int {
	return r.target
}

// NextTaskID mints the next task id of this run and registers a logging
// context for it. Ids are unique within the run and their numeric suffix is
// strictly increasing, even when a minted id never makes it to a launch.
func (r *RunState) NextTaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("%s.%s-task%02d", TaskNamespace, r.token, r.seq)
	r.seq++
	r.loggers[id] = r.logger.With("task_id", id)
	return id
}

// TaskLogger returns the logging context registered for the id, or the run
// logger for ids this run never minted.
func (r *RunState) TaskLogger(id string) *slog.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loggers[id]; ok {
		return l
	}
	return r.logger
}

// RecordLaunch adds a launched task to the run. It fails with
// ErrCapacityExceeded once target launches are recorded.
func (r *RunState) RecordLaunch(rec *TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) >= r.target {
		return fmt.Errorf("%w: %d of %d tasks already launched", ErrCapacityExceeded, len(r.records), r.target)
	}
	if _, ok := r.byID[rec.ID]; ok {
		return fmt.Errorf("task %s already launched", rec.ID)
	}
	r.records = append(r.records, rec)
	r.byID[rec.ID] = rec
	return nil
}

// RecordStatus upserts the last observed state of a task and returns the
// previously recorded state, the empty string before the first update.
// Updates for ids this run never launched fail with ErrUnknownTask.
func (r *RunState) RecordStatus(id string, state mesos.TaskState, message string) (mesos.TaskState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	prev := rec.LastStatus
	rec.LastStatus = state
	rec.LastMessage = message
	return prev, nil
}

// Record returns the launch record for id.
func (r *RunState) Record(id string) (*TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	return rec, ok
}

// Launched returns the number of recorded launches.
func (r *RunState) Launched() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Remaining returns how many trials may still be launched.
func (r *RunState) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target - len(r.records)
}

// Complete returns true once every trial slot is filled with a task whose
// last reported state is terminal. Re-delivered terminal updates do not
// change the count; a task flapping back to a non-terminal state does.
func (r *RunState) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	terminal := 0
	for _, rec := range r.records {
		if rec.LastStatus.IsTerminal() {
			terminal++
		}
	}
	return terminal >= r.target
}

// Failed returns true if any task's last reported state is a failure state.
func (r *RunState) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.LastStatus.IsFailure() {
			return true
		}
	}
	return false
}

// Summary tallies tasks by their last reported state. Tasks with no update
// yet are not counted.
func (r *RunState) Summary() map[mesos.TaskState]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sums := make(map[mesos.TaskState]int)
	for _, rec := range r.records {
		if rec.LastStatus != "" {
			sums[rec.LastStatus]++
		}
	}
	return sums
}

// SummaryLine renders the summary as space-joined NAME=count pairs, sorted
// by state name for stable output.
func (r *RunState) SummaryLine() string {
	sums := r.Summary()
	names := make([]string, 0, len(sums))
	for state := range sums {
		names = append(names, string(state))
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, sums[mesos.TaskState(name)]))
	}
	return strings.Join(parts, " ")
}

// Snapshot returns value copies of the launch records in launch order.
func (r *RunState) Snapshot() []TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}
