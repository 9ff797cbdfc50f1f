package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/pkg/mesos"
)

func TestBuildReport(t *testing.T) {
	run := newTestRun(t, 3)
	ids := launchN(t, run, 3)
	run.RecordStatus(ids[0], mesos.TaskFinished, "")
	run.RecordStatus(ids[1], mesos.TaskFailed, "command exited 1")
	run.RecordStatus(ids[2], mesos.TaskFinished, "")

	rep := BuildReport(run, "sleep", driver.DriverStopped, time.Now().Add(-time.Second))

	if rep.Token != run.Token() || rep.Strategy != "sleep" {
		t.Errorf("report header = %s/%s, want %s/sleep", rep.Token, rep.Strategy, run.Token())
	}
	if rep.Trials != 3 || rep.Launched != 3 {
		t.Errorf("trials/launched = %d/%d, want 3/3", rep.Trials, rep.Launched)
	}
	if !rep.Failed {
		t.Error("Failed = false for a run with a failed trial")
	}
	if rep.Driver != string(driver.DriverStopped) {
		t.Errorf("driver = %q, want %q", rep.Driver, driver.DriverStopped)
	}
	if rep.Summary["TASK_FINISHED"] != 2 || rep.Summary["TASK_FAILED"] != 1 {
		t.Errorf("summary = %v, want 2 finished and 1 failed", rep.Summary)
	}
	if len(rep.Tasks) != 3 {
		t.Fatalf("len(tasks) = %d, want 3", len(rep.Tasks))
	}
	if rep.Tasks[1].Message != "command exited 1" {
		t.Errorf("task message = %q, want %q", rep.Tasks[1].Message, "command exited 1")
	}
}

func TestBuildReport_Resources(t *testing.T) {
	run := newTestRun(t, 1)
	id := run.NextTaskID()
	task, err := mesos.NewCommandTask(id, mesos.AgentID{Value: "agent-1"}, "true", nil, "", mesos.TaskOpts{})
	if err != nil {
		t.Fatalf("NewCommandTask: %v", err)
	}
	if err := run.RecordLaunch(&TaskRecord{ID: id, Task: task}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	rep := BuildReport(run, "sleep", driver.DriverAborted, time.Now())
	if rep.Resources != "0.5 cpus, 256 MiB" {
		t.Errorf("resources = %q, want %q", rep.Resources, "0.5 cpus, 256 MiB")
	}
}

func TestReport_WriteFile(t *testing.T) {
	run := newTestRun(t, 1)
	ids := launchN(t, run, 1)
	run.RecordStatus(ids[0], mesos.TaskFinished, "")

	path := filepath.Join(t.TempDir(), "report.json")
	rep := BuildReport(run, "sleep", driver.DriverStopped, time.Now())
	if err := rep.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.Token != run.Token() {
		t.Errorf("decoded token = %q, want %q", decoded.Token, run.Token())
	}
}
