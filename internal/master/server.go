package master

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/hub-cap/deimos/pkg/mesos"
)

func (m *Master) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(m.logger))

	r.Post("/api/v1/scheduler", m.handleScheduler)
	r.Get("/api/v1/tasks/{id}/updates", m.handleTaskUpdates)
	r.Get("/health", m.handleHealth)
	r.Get("/state", m.handleState)

	m.router = r
}

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// requestIDMiddleware generates a request_id and stores it in context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := requestID()
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs HTTP requests at INFO level. For subscription
// streams the line appears once the stream ends.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

// statusWriter captures the response status code. It forwards Flush so the
// scheduler event stream keeps working behind the middleware chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleScheduler is the single v1 scheduler API endpoint: SUBSCRIBE turns
// the connection into an event stream, every other call is acknowledged
// with 202.
func (m *Master) handleScheduler(w http.ResponseWriter, r *http.Request) {
	var call mesos.Call
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, "malformed call: "+err.Error(), http.StatusBadRequest)
		return
	}
	if call.Type == mesos.CallSubscribe {
		m.handleSubscribe(w, r, &call)
		return
	}
	m.handleCall(w, r, &call)
}

func (m *Master) handleSubscribe(w http.ResponseWriter, r *http.Request, call *mesos.Call) {
	if call.Subscribe == nil {
		http.Error(w, "SUBSCRIBE call without payload", http.StatusBadRequest)
		return
	}
	info := call.Subscribe.FrameworkInfo
	if info.Name == "" {
		http.Error(w, "framework name required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	fw := &frameworkConn{
		id:       mesos.FrameworkID{Value: uuid.New().String()},
		info:     info,
		streamID: uuid.New().String(),
		events:   make(chan mesos.Event, 64),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	if m.framework != nil {
		m.mu.Unlock()
		http.Error(w, "another framework is subscribed", http.StatusConflict)
		return
	}
	m.framework = fw
	m.mu.Unlock()
	defer m.dropFramework(fw)

	m.logger.Info("framework subscribed",
		"framework", info.Name,
		"user", info.User,
		"framework_id", fw.id.Value,
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Mesos-Stream-Id", fw.streamID)
	w.WriteHeader(http.StatusOK)

	rw := mesos.NewRecordWriter(w)
	subscribed := mesos.Event{
		Type: mesos.EventSubscribed,
		Subscribed: &mesos.Subscribed{
			FrameworkID:              fw.id,
			HeartbeatIntervalSeconds: m.cfg.Heartbeat.Seconds(),
		},
	}
	if err := writeEvent(rw, flusher, subscribed); err != nil {
		return
	}

	var heartbeat <-chan time.Time
	if m.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(m.cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case ev := <-fw.events:
			if err := writeEvent(rw, flusher, ev); err != nil {
				m.logger.Warn("event stream write", "error", err)
				return
			}
		case <-heartbeat:
			if err := writeEvent(rw, flusher, mesos.Event{Type: mesos.EventHeartbeat}); err != nil {
				return
			}
		case <-fw.done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(rw *mesos.RecordWriter, flusher http.Flusher, ev mesos.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := rw.Write(data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleCall validates the caller against the live subscription and
// dispatches the call.
func (m *Master) handleCall(w http.ResponseWriter, r *http.Request, call *mesos.Call) {
	m.mu.Lock()
	fw := m.framework
	m.mu.Unlock()

	if fw == nil {
		http.Error(w, "no framework subscribed", http.StatusBadRequest)
		return
	}
	if r.Header.Get("Mesos-Stream-Id") != fw.streamID {
		http.Error(w, "stream id mismatch", http.StatusBadRequest)
		return
	}
	if call.FrameworkID == nil || call.FrameworkID.Value != fw.id.Value {
		http.Error(w, "unknown framework id", http.StatusBadRequest)
		return
	}

	switch call.Type {
	case mesos.CallAccept:
		if call.Accept == nil {
			http.Error(w, "ACCEPT call without payload", http.StatusBadRequest)
			return
		}
		m.accept(call.Accept)
	case mesos.CallDecline:
		if call.Decline == nil {
			http.Error(w, "DECLINE call without payload", http.StatusBadRequest)
			return
		}
		m.decline(call.Decline)
	case mesos.CallKill:
		if call.Kill == nil {
			http.Error(w, "KILL call without payload", http.StatusBadRequest)
			return
		}
		m.kill(call.Kill)
	case mesos.CallAcknowledge:
		if call.Acknowledge == nil {
			http.Error(w, "ACKNOWLEDGE call without payload", http.StatusBadRequest)
			return
		}
		m.acknowledge(call.Acknowledge)
	case mesos.CallTeardown:
		m.teardown()
	default:
		http.Error(w, "unsupported call "+string(call.Type), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type healthResponse struct {
	Status        string `json:"status"`
	MasterID      string `json:"master_id"`
	GoVersion     string `json:"go_version"`
	Uptime        string `json:"uptime"`
	Containerizer string `json:"containerizer"`
	Agents        int    `json:"agents"`
	Framework     string `json:"framework,omitempty"`
}

func (m *Master) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	framework := ""
	if m.framework != nil {
		framework = m.framework.info.Name
	}
	agents := len(m.agents)
	m.mu.Unlock()

	ctr := m.cfg.Containerizer
	if ctr == "" {
		ctr = "mock"
	}
	respondJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		MasterID:      m.id,
		GoVersion:     runtime.Version(),
		Uptime:        time.Since(m.started).Round(time.Second).String(),
		Containerizer: ctr,
		Agents:        agents,
		Framework:     framework,
	})
}

type agentState struct {
	ID        string  `json:"id"`
	Hostname  string  `json:"hostname"`
	CPUs      float64 `json:"cpus"`
	MemMB     float64 `json:"mem_mb"`
	UsedCPUs  float64 `json:"used_cpus"`
	UsedMemMB float64 `json:"used_mem_mb"`
	Tasks     int     `json:"tasks"`
	Offered   bool    `json:"offered"`
}

type taskSnapshot struct {
	ID      string `json:"id"`
	Agent   string `json:"agent"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

type frameworkState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	User string `json:"user"`
}

type stateResponse struct {
	MasterID  string          `json:"master_id"`
	Uptime    string          `json:"uptime"`
	Framework *frameworkState `json:"framework"`
	Agents    []agentState    `json:"agents"`
	Tasks     []taskSnapshot  `json:"tasks"`
}

func (m *Master) handleState(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	resp := stateResponse{
		MasterID: m.id,
		Uptime:   time.Since(m.started).Round(time.Second).String(),
	}
	if fw := m.framework; fw != nil {
		resp.Framework = &frameworkState{ID: fw.id.Value, Name: fw.info.Name, User: fw.info.User}
	}
	for _, ag := range m.agents {
		resp.Agents = append(resp.Agents, agentState{
			ID:        ag.id.Value,
			Hostname:  ag.hostname,
			CPUs:      ag.cpus,
			MemMB:     ag.memMB,
			UsedCPUs:  ag.usedCPUs,
			UsedMemMB: ag.usedMemMB,
			Tasks:     ag.tasks,
			Offered:   ag.offerID != "",
		})
	}
	for id, lt := range m.tasks {
		resp.Tasks = append(resp.Tasks, taskSnapshot{
			ID:      id,
			Agent:   lt.agent.id.Value,
			State:   lt.state.String(),
			Message: lt.message,
		})
	}
	m.mu.Unlock()

	sort.Slice(resp.Tasks, func(i, j int) bool { return resp.Tasks[i].ID < resp.Tasks[j].ID })
	respondJSON(w, http.StatusOK, resp)
}

// handleTaskUpdates serves the journaled transition history of one task.
func (m *Master) handleTaskUpdates(w http.ResponseWriter, r *http.Request) {
	if m.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	taskID := chi.URLParam(r, "id")
	entries, err := m.journal.Updates(r.Context(), taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}
