package harness

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/internal/master"
	"github.com/hub-cap/deimos/pkg/mesos"
)

// simConfig is a small, fast master for in-process runs: two 2-cpu agents,
// 20ms offer rounds, instant task starts, 10ms command tasks.
func simConfig() master.Config {
	cfg := master.DefaultConfig()
	cfg.Agents = 2
	cfg.AgentCPUs = 2
	cfg.AgentMemMB = 1024
	cfg.OfferInterval = 20 * time.Millisecond
	cfg.Heartbeat = 0
	cfg.StartDelay = 0
	cfg.TaskRuntime = 10 * time.Millisecond
	cfg.JournalPath = ""
	return cfg
}

func startSimMaster(t *testing.T, cfg master.Config) *httptest.Server {
	t.Helper()
	m, err := master.New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("new master: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Start(ctx)
	}()
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		cancel()
		<-done
		m.Close()
	})
	return srv
}

// runAgainst runs one full conformance run against the master at masterURL
// and returns the scheduler and the driver's final status.
func runAgainst(t *testing.T, masterURL string, trials int, strategy Strategy) (*Scheduler, driver.Status, error) {
	t.Helper()
	logger := discardLogger()
	run, err := NewRunState(trials, logger)
	if err != nil {
		t.Fatalf("new run state: %v", err)
	}
	drv := driver.NewHTTPDriver(masterURL, mesos.FrameworkInfo{User: "root", Name: TaskNamespace}, logger)
	sched := NewScheduler(run, strategy, drv, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, err := drv.Run(ctx, sched)
	return sched, status, err
}

// TestIntegration_SleepRunCompletes verifies the full harness lifecycle
// against the simulated master: subscribe -> offers -> three sleep task
// launches -> status folding -> orderly stop once every trial is terminal.
func TestIntegration_SleepRunCompletes(t *testing.T) {
	srv := startSimMaster(t, simConfig())
	startedAt := time.Now()

	strategy := NewSleepStrategy(SleepOptions{Sleep: 0, Trials: 3})
	sched, status, err := runAgainst(t, srv.URL, 3, strategy)
	if err != nil {
		t.Fatalf("driver run: %v", err)
	}
	if status != driver.DriverStopped {
		t.Fatalf("driver status = %s, want %s", status, driver.DriverStopped)
	}

	run := sched.Run()
	if !run.Complete() {
		t.Error("run not complete after an orderly stop")
	}
	if run.Failed() {
		t.Errorf("run failed: %s", run.SummaryLine())
	}
	if got := run.SummaryLine(); got != "TASK_FINISHED=3" {
		t.Errorf("summary = %q, want TASK_FINISHED=3", got)
	}
	if sched.Phase() != PhaseStopped {
		t.Errorf("phase = %s, want %s", sched.Phase(), PhaseStopped)
	}
	if sched.FrameworkID().Value == "" {
		t.Error("no framework id recorded")
	}
	for _, rec := range run.Snapshot() {
		if !strings.HasPrefix(rec.ID, TaskNamespace+"."+run.Token()+"-task") {
			t.Errorf("task id %q not under the run token", rec.ID)
		}
		if rec.AgentID.Value == "" || rec.Hostname == "" {
			t.Errorf("task %s missing placement: agent %q host %q", rec.ID, rec.AgentID.Value, rec.Hostname)
		}
	}

	report := BuildReport(run, strategy.Name(), status, startedAt)
	if report.Failed || report.Launched != 3 || report.Summary["TASK_FINISHED"] != 3 {
		t.Errorf("report = %+v, want 3 clean finishes", report)
	}
}

// TestIntegration_FailingTasksFailTheRun injects task failures master-side
// and verifies they fold into a failed (but still orderly stopped) run.
func TestIntegration_FailingTasksFailTheRun(t *testing.T) {
	cfg := simConfig()
	cfg.FailEvery = 1
	srv := startSimMaster(t, cfg)

	sched, status, err := runAgainst(t, srv.URL, 3, NewSleepStrategy(SleepOptions{Sleep: 0, Trials: 3}))
	if err != nil {
		t.Fatalf("driver run: %v", err)
	}
	if status != driver.DriverStopped {
		t.Fatalf("driver status = %s, want %s", status, driver.DriverStopped)
	}

	run := sched.Run()
	if !run.Complete() {
		t.Error("run not complete")
	}
	if !run.Failed() {
		t.Error("run with failed tasks not marked failed")
	}
	if got := run.SummaryLine(); got != "TASK_FAILED=3" {
		t.Errorf("summary = %q, want TASK_FAILED=3", got)
	}
	for _, rec := range run.Snapshot() {
		if rec.LastMessage != "command exited with status 1" {
			t.Errorf("task %s message = %q", rec.ID, rec.LastMessage)
		}
	}
}

// TestIntegration_DaemonRunKillsEachTask runs the daemon strategy: tasks
// run until the scheduler kills them after the grace, so every trial ends
// TASK_KILLED and the fold counts the run as failed.
func TestIntegration_DaemonRunKillsEachTask(t *testing.T) {
	srv := startSimMaster(t, simConfig())

	strategy := NewDaemonStrategy(DaemonOptions{
		Image: "docker:///zaiste/postgresql",
		Grace: 20 * time.Millisecond,
		Delay: time.Millisecond,
	}, discardLogger())
	sched, status, err := runAgainst(t, srv.URL, 2, strategy)
	if err != nil {
		t.Fatalf("driver run: %v", err)
	}
	if status != driver.DriverStopped {
		t.Fatalf("driver status = %s, want %s", status, driver.DriverStopped)
	}

	run := sched.Run()
	if !run.Complete() {
		t.Error("run not complete")
	}
	if !run.Failed() {
		t.Error("killed daemons must count as a failed run")
	}
	if got := run.SummaryLine(); got != "TASK_KILLED=2" {
		t.Errorf("summary = %q, want TASK_KILLED=2", got)
	}
}

// TestIntegration_ExecutorRunCompletes launches executor-supervised tasks;
// the master runs the executor command so the trials finish cleanly.
func TestIntegration_ExecutorRunCompletes(t *testing.T) {
	srv := startSimMaster(t, simConfig())

	sched, status, err := runAgainst(t, srv.URL, 2, NewExecutorStrategy(ExecutorOptions{Command: "echo ready"}))
	if err != nil {
		t.Fatalf("driver run: %v", err)
	}
	if status != driver.DriverStopped {
		t.Fatalf("driver status = %s, want %s", status, driver.DriverStopped)
	}
	run := sched.Run()
	if run.Failed() {
		t.Errorf("run failed: %s", run.SummaryLine())
	}
	if got := run.SummaryLine(); got != "TASK_FINISHED=2" {
		t.Errorf("summary = %q, want TASK_FINISHED=2", got)
	}
}
