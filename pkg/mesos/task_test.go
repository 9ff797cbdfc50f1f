package mesos

import (
	"errors"
	"testing"
)

func TestNewCommandTask_Defaults(t *testing.T) {
	task, err := NewCommandTask("probe-01", AgentID{Value: "agent-1"}, "sleep 1", nil, "", TaskOpts{})
	if err != nil {
		t.Fatalf("NewCommandTask() error = %v", err)
	}

	if task.Name != "probe-01" || task.TaskID.Value != "probe-01" {
		t.Errorf("task name/id = %q/%q, want probe-01 for both", task.Name, task.TaskID.Value)
	}
	if task.AgentID.Value != "agent-1" {
		t.Errorf("task agent id = %q, want agent-1", task.AgentID.Value)
	}
	if task.Executor != nil {
		t.Error("command task has an executor set")
	}
	if task.Command == nil || task.Command.Value != "sleep 1" {
		t.Fatalf("task command = %+v, want value %q", task.Command, "sleep 1")
	}
	if task.Command.Container != nil {
		t.Error("command without image has container info set")
	}

	got := map[string]float64{}
	for _, r := range task.Resources {
		got[r.Name] = r.ScalarAmount()
	}
	if got[ResourceCPUs] != DefaultCPUs {
		t.Errorf("cpus = %v, want %v", got[ResourceCPUs], DefaultCPUs)
	}
	if got[ResourceMem] != DefaultMemMB {
		t.Errorf("mem = %v, want %v", got[ResourceMem], DefaultMemMB)
	}
}

func TestNewCommandTask_ResourceOverrides(t *testing.T) {
	task, err := NewCommandTask("probe-02", AgentID{Value: "agent-1"}, "true", nil, "", TaskOpts{CPUs: 2, MemMB: 1024})
	if err != nil {
		t.Fatalf("NewCommandTask() error = %v", err)
	}
	for _, r := range task.Resources {
		switch r.Name {
		case ResourceCPUs:
			if r.ScalarAmount() != 2 {
				t.Errorf("cpus = %v, want 2", r.ScalarAmount())
			}
		case ResourceMem:
			if r.ScalarAmount() != 1024 {
				t.Errorf("mem = %v, want 1024", r.ScalarAmount())
			}
		}
	}
}

func TestNewCommandTask_URIsAndImage(t *testing.T) {
	uris := []string{"https://example.com/a.tar.gz", "https://example.com/b.sh"}
	task, err := NewCommandTask("probe-03", AgentID{Value: "agent-2"}, "./b.sh", uris, "library/ubuntu", TaskOpts{})
	if err != nil {
		t.Fatalf("NewCommandTask() error = %v", err)
	}
	if len(task.Command.URIs) != 2 {
		t.Fatalf("len(uris) = %d, want 2", len(task.Command.URIs))
	}
	for i, u := range task.Command.URIs {
		if u.Value != uris[i] {
			t.Errorf("uri[%d] = %q, want %q", i, u.Value, uris[i])
		}
	}
	if task.Command.Container == nil || task.Command.Container.Image != "library/ubuntu" {
		t.Errorf("container = %+v, want image library/ubuntu", task.Command.Container)
	}
}

func TestNewDaemonTask(t *testing.T) {
	task, err := NewDaemonTask("daemon-01", AgentID{Value: "agent-1"}, "zaiste/postgresql", TaskOpts{})
	if err != nil {
		t.Fatalf("NewDaemonTask() error = %v", err)
	}
	if task.Command == nil || task.Command.Value != "" {
		t.Errorf("daemon task command = %+v, want empty value", task.Command)
	}
	if task.Command.Container == nil || task.Command.Container.Image != "zaiste/postgresql" {
		t.Errorf("daemon task container = %+v, want image zaiste/postgresql", task.Command.Container)
	}
}

func TestNewExecutorTask(t *testing.T) {
	task, err := NewExecutorTask("exec-01", AgentID{Value: "agent-3"}, "echo ready", nil, "", TaskOpts{})
	if err != nil {
		t.Fatalf("NewExecutorTask() error = %v", err)
	}
	if task.Command != nil {
		t.Error("executor task has a bare command set")
	}
	if task.Executor == nil {
		t.Fatal("executor task has no executor info")
	}
	if task.Executor.ExecutorID.Value != "exec-01" || task.Executor.Name != "exec-01" {
		t.Errorf("executor id/name = %q/%q, want exec-01 for both",
			task.Executor.ExecutorID.Value, task.Executor.Name)
	}
	if task.Executor.Command.Value != "echo ready" {
		t.Errorf("executor command = %q, want %q", task.Executor.Command.Value, "echo ready")
	}
}

func TestTaskFactories_InvalidParameters(t *testing.T) {
	agent := AgentID{Value: "agent-1"}
	tests := []struct {
		name  string
		build func() (*TaskInfo, error)
	}{
		{"empty task id", func() (*TaskInfo, error) {
			return NewCommandTask("", agent, "true", nil, "", TaskOpts{})
		}},
		{"empty agent id", func() (*TaskInfo, error) {
			return NewCommandTask("t1", AgentID{}, "true", nil, "", TaskOpts{})
		}},
		{"no command and no image", func() (*TaskInfo, error) {
			return NewCommandTask("t1", agent, "", nil, "", TaskOpts{})
		}},
		{"daemon without image", func() (*TaskInfo, error) {
			return NewDaemonTask("t1", agent, "", TaskOpts{})
		}},
		{"executor without command", func() (*TaskInfo, error) {
			return NewExecutorTask("t1", agent, "", nil, "", TaskOpts{})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := tt.build()
			if !errors.Is(err, ErrInvalidParameters) {
				t.Errorf("error = %v, want ErrInvalidParameters", err)
			}
			if task != nil {
				t.Errorf("task = %+v, want nil", task)
			}
		})
	}
}
