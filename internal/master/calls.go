package master

import (
	"context"

	"github.com/hub-cap/deimos/pkg/mesos"
)

// accept consumes the named offers and launches the call's tasks on the
// offering agent. Tasks on unknown offers or beyond the agent's free
// resources are answered with TASK_LOST instead of being launched.
func (m *Master) accept(acc *mesos.Accept) {
	var tasks []mesos.TaskInfo
	for _, op := range acc.Operations {
		if op.Type == mesos.OperationLaunch && op.Launch != nil {
			tasks = append(tasks, op.Launch.TaskInfos...)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var target *agent
	valid := true
	for _, oid := range acc.OfferIDs {
		ag, ok := m.offers[oid.Value]
		if !ok {
			m.logger.Warn("accept of unknown offer", "offer", oid.Value)
			valid = false
			continue
		}
		delete(m.offers, oid.Value)
		ag.offerID = ""
		target = ag
	}
	if !valid || target == nil {
		for _, task := range tasks {
			m.deliverLocked(nil, mesos.TaskStatus{
				TaskID:  task.TaskID,
				State:   mesos.TaskLost,
				Message: "task launched on an invalid offer",
				AgentID: task.AgentID,
			})
		}
		return
	}

	for _, task := range tasks {
		m.launchLocked(target, task)
	}
}

// launchLocked validates and starts one task on ag. Callers hold m.mu.
func (m *Master) launchLocked(ag *agent, task mesos.TaskInfo) {
	lost := func(message string) {
		m.deliverLocked(nil, mesos.TaskStatus{
			TaskID:  task.TaskID,
			State:   mesos.TaskLost,
			Message: message,
			AgentID: ag.id,
		})
	}

	if _, exists := m.tasks[task.TaskID.Value]; exists {
		lost("duplicate task id")
		return
	}
	cpus, memMB := taskResources(task)
	if cpus > ag.cpus-ag.usedCPUs || memMB > ag.memMB-ag.usedMemMB {
		lost("insufficient resources on agent " + ag.id.Value)
		return
	}

	task.AgentID = ag.id
	lt := &liveTask{info: task, agent: ag, cpus: cpus, memMB: memMB}
	m.tasks[task.TaskID.Value] = lt
	ag.usedCPUs += cpus
	ag.usedMemMB += memMB
	ag.tasks++

	m.logger.Info("launching task",
		"task_id", task.TaskID.Value,
		"agent", ag.id.Value,
		"cpus", cpus,
		"mem_mb", memMB,
	)
	if err := m.ctr.Launch(task); err != nil {
		m.logger.Error("containerizer launch", "task_id", task.TaskID.Value, "error", err)
		m.deliverLocked(lt, mesos.TaskStatus{
			TaskID:  task.TaskID,
			State:   mesos.TaskLost,
			Message: "containerizer rejected launch: " + err.Error(),
			AgentID: ag.id,
		})
	}
}

// decline returns the named offers to the pool.
func (m *Master) decline(dec *mesos.Decline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recycled := 0
	for _, oid := range dec.OfferIDs {
		if ag, ok := m.offers[oid.Value]; ok {
			delete(m.offers, oid.Value)
			ag.offerID = ""
			recycled++
		}
	}
	m.logger.Debug("offers declined", "count", recycled)
}

// kill forwards a kill to the containerizer. A kill for a task the master
// never saw is answered with TASK_LOST so the framework can fold it.
func (m *Master) kill(k *mesos.Kill) {
	m.mu.Lock()
	_, known := m.tasks[k.TaskID.Value]
	if !known {
		m.deliverLocked(nil, mesos.TaskStatus{
			TaskID:  k.TaskID,
			State:   mesos.TaskLost,
			Message: "unknown task",
		})
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("killing task", "task_id", k.TaskID.Value)
	if err := m.ctr.Kill(k.TaskID.Value); err != nil {
		m.logger.Warn("kill", "task_id", k.TaskID.Value, "error", err)
	}
}

// acknowledge marks the update acked in the journal.
func (m *Master) acknowledge(ack *mesos.Acknowledge) {
	if m.journal != nil {
		if err := m.journal.Ack(context.Background(), ack.TaskID.Value, ack.UUID); err != nil {
			m.logger.Warn("journal ack", "task_id", ack.TaskID.Value, "error", err)
		}
	}
	m.logger.Debug("update acknowledged", "task_id", ack.TaskID.Value, "uuid", ack.UUID)
}

// teardown retires the framework: its event stream is closed and every
// still-live task is killed.
func (m *Master) teardown() {
	m.mu.Lock()
	fw := m.framework
	m.framework = nil
	m.rescindOffersLocked()
	var doomed []string
	for id, lt := range m.tasks {
		if !lt.state.IsTerminal() {
			doomed = append(doomed, id)
		}
	}
	m.mu.Unlock()

	if fw == nil {
		return
	}
	close(fw.done)
	for _, id := range doomed {
		if err := m.ctr.Kill(id); err != nil {
			m.logger.Warn("teardown kill", "task_id", id, "error", err)
		}
	}
	m.logger.Info("framework torn down", "framework_id", fw.id.Value, "killed_tasks", len(doomed))
}

// dropFramework cleans up after a framework whose stream ended without a
// teardown. Its live tasks are killed like a teardown would.
func (m *Master) dropFramework(fw *frameworkConn) {
	m.mu.Lock()
	if m.framework != fw {
		// Already torn down or replaced.
		m.mu.Unlock()
		return
	}
	m.framework = nil
	m.rescindOffersLocked()
	var doomed []string
	for id, lt := range m.tasks {
		if !lt.state.IsTerminal() {
			doomed = append(doomed, id)
		}
	}
	m.mu.Unlock()

	for _, id := range doomed {
		if err := m.ctr.Kill(id); err != nil {
			m.logger.Warn("disconnect kill", "task_id", id, "error", err)
		}
	}
	m.logger.Info("framework disconnected", "framework_id", fw.id.Value, "killed_tasks", len(doomed))
}
