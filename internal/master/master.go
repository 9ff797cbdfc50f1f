// Package master implements a small simulated Mesos-style cluster master:
// the v1 scheduler API endpoint, a pool of synthetic agents whose resources
// are cycled through resource offers, and a pluggable containerizer that
// runs the launched tasks. It exists so the conformance harness can be
// exercised end-to-end without a real cluster.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hub-cap/deimos/pkg/mesos"
)

// Offers below these floors are withheld until the agent frees up.
const (
	minOfferCPUs  = 0.1
	minOfferMemMB = 32
)

// Config holds the master's tunables.
type Config struct {
	Addr           string        // HTTP listen address
	Agents         int           // simulated agent count
	AgentCPUs      float64       // cpus per agent
	AgentMemMB     float64       // memory per agent, MB
	HostnamePrefix string        // agent hostnames: <prefix><n>.sim
	OfferInterval  time.Duration // pause between offer rounds
	Heartbeat      time.Duration // heartbeat cadence on the event stream; 0 disables

	Containerizer string        // "mock" or "docker"
	StartDelay    time.Duration // mock: STAGING to RUNNING delay
	TaskRuntime   time.Duration // mock: command task duration before FINISHED
	FailEvery     int           // mock: every Nth command task FAILs; 0 disables
	DefaultImage  string        // docker: image for tasks that name none
	SandboxRoot   string        // docker: parent directory for task sandboxes

	JournalPath string // sqlite journal of task transitions; "" disables
	LogLevel    string
	LogFormat   string
}

// DefaultConfig returns a mock-containerizer master on the standard port.
func DefaultConfig() Config {
	return Config{
		Addr:           ":5050",
		Agents:         3,
		AgentCPUs:      4,
		AgentMemMB:     4096,
		HostnamePrefix: "agent",
		OfferInterval:  500 * time.Millisecond,
		Heartbeat:      15 * time.Second,
		Containerizer:  "mock",
		StartDelay:     50 * time.Millisecond,
		TaskRuntime:    2 * time.Second,
		DefaultImage:   "busybox",
		SandboxRoot:    filepath.Join(os.TempDir(), "deimos-sandboxes"),
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// agent is one simulated cluster node. Offered/used accounting is guarded by
// the master mutex.
type agent struct {
	id       mesos.AgentID
	hostname string
	cpus     float64
	memMB    float64

	usedCPUs  float64
	usedMemMB float64
	offerID   string // outstanding offer, "" when none
	tasks     int    // live tasks on this agent
}

// liveTask tracks a launched task until (and after) it terminates.
type liveTask struct {
	info    mesos.TaskInfo
	agent   *agent
	cpus    float64
	memMB   float64
	state   mesos.TaskState
	message string
}

// frameworkConn is the single subscribed framework and its event stream.
type frameworkConn struct {
	id       mesos.FrameworkID
	info     mesos.FrameworkInfo
	streamID string
	events   chan mesos.Event
	done     chan struct{} // closed on teardown
}

// Master is the simulated cluster master.
type Master struct {
	cfg     Config
	logger  *slog.Logger
	ctr     Containerizer
	journal *Journal // nil when journaling is off
	router  chi.Router
	id      string
	started time.Time

	mu        sync.Mutex
	framework *frameworkConn
	agents    []*agent
	tasks     map[string]*liveTask
	offers    map[string]*agent // outstanding offer id -> offering agent
}

// New builds a master with its agent pool, containerizer and routes. The
// caller owns the containerizer choice through cfg.Containerizer.
func New(cfg Config, logger *slog.Logger) (*Master, error) {
	if cfg.Agents <= 0 {
		return nil, errors.New("master needs at least one agent")
	}
	m := &Master{
		cfg:     cfg,
		logger:  logger.With("component", "master"),
		id:      uuid.New().String()[:8],
		started: time.Now(),
		tasks:   make(map[string]*liveTask),
		offers:  make(map[string]*agent),
	}

	for i := 0; i < cfg.Agents; i++ {
		ag := &agent{
			id:       mesos.AgentID{Value: formatAgentID(m.id, i)},
			hostname: formatHostname(cfg.HostnamePrefix, i),
			cpus:     cfg.AgentCPUs,
			memMB:    cfg.AgentMemMB,
		}
		m.agents = append(m.agents, ag)
		m.logger.Info("agent online",
			"agent", ag.id.Value,
			"hostname", ag.hostname,
			"cpus", ag.cpus,
			"mem", humanize.IBytes(uint64(ag.memMB)*1024*1024),
		)
	}

	switch cfg.Containerizer {
	case "", "mock":
		m.ctr = NewMockContainerizer(MockOptions{
			StartDelay:  cfg.StartDelay,
			TaskRuntime: cfg.TaskRuntime,
			FailEvery:   cfg.FailEvery,
		}, logger)
	case "docker":
		ctr, err := NewDockerContainerizer(DockerOptions{
			DefaultImage: cfg.DefaultImage,
			SandboxRoot:  cfg.SandboxRoot,
		}, logger)
		if err != nil {
			return nil, err
		}
		m.ctr = ctr
	default:
		return nil, errors.New("unknown containerizer " + cfg.Containerizer)
	}

	if cfg.JournalPath != "" {
		j, err := OpenJournal(cfg.JournalPath, logger)
		if err != nil {
			return nil, err
		}
		m.journal = j
	}

	m.routes()
	return m, nil
}

// Handler exposes the master's HTTP API for embedding in tests or another
// server. Pair it with Start for the background loops.
func (m *Master) Handler() http.Handler {
	return m.router
}

// Start runs the offer and update loops until ctx ends. It does not serve
// HTTP; Run does both.
func (m *Master) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.offerLoop(gctx) })
	g.Go(func() error { return m.updateLoop(gctx) })
	return g.Wait()
}

// Run serves the HTTP API and the background loops until ctx ends, then
// shuts the server down and closes the containerizer and journal.
func (m *Master) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    m.cfg.Addr,
		Handler: m.router,
		// Subscription streams must unwind on shutdown; derive every
		// request context from the run context.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error { return m.Start(gctx) })
	g.Go(func() error {
		m.logger.Info("listening", "addr", m.cfg.Addr, "master_id", m.id, "containerizer", m.cfg.Containerizer)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if cerr := m.Close(); cerr != nil {
		m.logger.Warn("close", "error", cerr)
	}
	return err
}

// Close releases the containerizer and the journal.
func (m *Master) Close() error {
	err := m.ctr.Close()
	if m.journal != nil {
		if jerr := m.journal.Close(); err == nil {
			err = jerr
		}
	}
	return err
}

// offerLoop periodically offers every idle agent's free resources to the
// subscribed framework.
func (m *Master) offerLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.OfferInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.offerRound()
		}
	}
}

// offerRound builds and sends one OFFERS batch; no event is sent when every
// agent is busy or already offered.
func (m *Master) offerRound() {
	m.mu.Lock()
	defer m.mu.Unlock()

	fw := m.framework
	if fw == nil {
		return
	}
	var batch []mesos.Offer
	for _, ag := range m.agents {
		if ag.offerID != "" {
			continue
		}
		freeCPUs := ag.cpus - ag.usedCPUs
		freeMemMB := ag.memMB - ag.usedMemMB
		if freeCPUs < minOfferCPUs || freeMemMB < minOfferMemMB {
			continue
		}
		id := "offer-" + uuid.New().String()[:8]
		ag.offerID = id
		m.offers[id] = ag
		batch = append(batch, mesos.Offer{
			ID:          mesos.OfferID{Value: id},
			FrameworkID: fw.id,
			AgentID:     ag.id,
			Hostname:    ag.hostname,
			Resources: []mesos.Resource{
				mesos.ScalarResource(mesos.ResourceCPUs, freeCPUs),
				mesos.ScalarResource(mesos.ResourceMem, freeMemMB),
			},
		})
	}
	if len(batch) == 0 {
		return
	}
	m.logger.Debug("offering", "offers", len(batch))
	m.sendLocked(mesos.Event{Type: mesos.EventOffers, Offers: &mesos.OffersEvent{Offers: batch}})
}

// rescindOffersLocked withdraws every outstanding offer so the agents are
// offered afresh to the next framework. Callers hold m.mu.
func (m *Master) rescindOffersLocked() {
	for id, ag := range m.offers {
		delete(m.offers, id)
		ag.offerID = ""
	}
}

// updateLoop forwards containerizer status updates to the framework.
func (m *Master) updateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case status, ok := <-m.ctr.Updates():
			if !ok {
				return nil
			}
			m.handleContainerUpdate(status)
		}
	}
}

// handleContainerUpdate stamps, journals and forwards one update, releasing
// the task's agent share when the update is terminal.
func (m *Master) handleContainerUpdate(status mesos.TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lt, ok := m.tasks[status.TaskID.Value]
	if !ok {
		m.logger.Warn("update for unknown task", "task_id", status.TaskID.Value, "state", status.State)
		return
	}
	status.AgentID = lt.agent.id
	m.deliverLocked(lt, status)
}

// deliverLocked applies a status to the registry and pushes it to the
// framework. Callers hold m.mu. lt may be nil for synthetic updates about
// tasks the master never registered.
func (m *Master) deliverLocked(lt *liveTask, status mesos.TaskStatus) {
	status.UUID = uuid.New().String()
	status.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)

	if lt != nil {
		wasTerminal := lt.state.IsTerminal()
		lt.state = status.State
		lt.message = status.Message
		if status.State.IsTerminal() && !wasTerminal {
			lt.agent.usedCPUs -= lt.cpus
			lt.agent.usedMemMB -= lt.memMB
			lt.agent.tasks--
		}
	}

	if m.journal != nil {
		if err := m.journal.Record(context.Background(), status); err != nil {
			m.logger.Warn("journal write", "task_id", status.TaskID.Value, "error", err)
		}
	}
	m.sendLocked(mesos.Event{Type: mesos.EventUpdate, Update: &mesos.UpdateEvent{Status: status}})
}

// sendLocked queues an event for the framework stream, dropping it when no
// framework is subscribed or its queue is full.
func (m *Master) sendLocked(ev mesos.Event) {
	fw := m.framework
	if fw == nil {
		return
	}
	select {
	case fw.events <- ev:
	default:
		m.logger.Warn("event queue full, dropping", "type", ev.Type)
	}
}

// taskResources reads the cpu/mem request off a TaskInfo, defaulting
// whatever is missing.
func taskResources(task mesos.TaskInfo) (cpus, memMB float64) {
	for _, res := range task.Resources {
		switch res.Name {
		case mesos.ResourceCPUs:
			cpus = res.ScalarAmount()
		case mesos.ResourceMem:
			memMB = res.ScalarAmount()
		}
	}
	if cpus == 0 {
		cpus = mesos.DefaultCPUs
	}
	if memMB == 0 {
		memMB = mesos.DefaultMemMB
	}
	return cpus, memMB
}

func formatAgentID(masterID string, n int) string {
	return fmt.Sprintf("%s-S%d", masterID, n)
}

func formatHostname(prefix string, n int) string {
	if prefix == "" {
		prefix = "agent"
	}
	return fmt.Sprintf("%s%d.sim", prefix, n)
}
