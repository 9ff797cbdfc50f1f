package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hub-cap/deimos/internal/driver"
	"github.com/hub-cap/deimos/pkg/mesos"
)

// TaskReport is one task's final line in the run report.
type TaskReport struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	State    string `json:"state"`
	Message  string `json:"message,omitempty"`
}

// Report is the machine-readable summary of one conformance run.
type Report struct {
	Token     string         `json:"token"`
	Strategy  string         `json:"strategy"`
	Trials    int            `json:"trials"`
	Launched  int            `json:"launched"`
	Summary   map[string]int `json:"summary"`
	Failed    bool           `json:"failed"`
	Driver    string         `json:"driver"`
	Resources string         `json:"resources_per_task,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  string         `json:"duration"`
	Tasks     []TaskReport   `json:"tasks"`
}

// BuildReport snapshots the run once the driver has returned.
func BuildReport(run *RunState, strategy string, st driver.Status, startedAt time.Time) *Report {
	snap := run.Snapshot()
	sums := make(map[string]int)
	tasks := make([]TaskReport, 0, len(snap))
	for _, rec := range snap {
		if rec.LastStatus != "" {
			sums[string(rec.LastStatus)]++
		}
		tasks = append(tasks, TaskReport{
			ID:       rec.ID,
			AgentID:  rec.AgentID.Value,
			Hostname: rec.Hostname,
			State:    string(rec.LastStatus),
			Message:  rec.LastMessage,
		})
	}
	r := &Report{
		Token:     run.Token(),
		Strategy:  strategy,
		Trials:    run.Target(),
		Launched:  len(snap),
		Summary:   sums,
		Failed:    run.Failed(),
		Driver:    string(st),
		StartedAt: startedAt.UTC(),
		Duration:  time.Since(startedAt).Round(time.Millisecond).String(),
		Tasks:     tasks,
	}
	if len(snap) > 0 {
		r.Resources = describeResources(snap[0].Task)
	}
	return r
}

// describeResources renders the per-task resource footprint, e.g.
// "0.5 cpus, 256 MiB".
func describeResources(task *mesos.TaskInfo) string {
	if task == nil {
		return ""
	}
	var cpus, mem float64
	for _, res := range task.Resources {
		switch res.Name {
		case mesos.ResourceCPUs:
			cpus = res.ScalarAmount()
		case mesos.ResourceMem:
			mem = res.ScalarAmount()
		}
	}
	return fmt.Sprintf("%g cpus, %s", cpus, humanize.IBytes(uint64(mem)*1024*1024))
}

// WriteFile writes the report as indented JSON.
func (r *Report) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
