package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hub-cap/deimos/pkg/mesos"
)

//
// Test fixtures
//

// scriptedMaster serves the scheduler endpoint for one subscription: it plays
// back a fixed event list on the stream, records every non-subscribe call,
// and holds the stream open until torn down or the client goes away.
type scriptedMaster struct {
	t      *testing.T
	events []mesos.Event

	mu    sync.Mutex
	calls []mesos.Call

	teardown chan struct{}
	srv      *httptest.Server
}

func newScriptedMaster(t *testing.T, events []mesos.Event) *scriptedMaster {
	t.Helper()
	m := &scriptedMaster{t: t, events: events, teardown: make(chan struct{})}
	m.srv = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.srv.Close)
	return m
}

func (m *scriptedMaster) handle(w http.ResponseWriter, r *http.Request) {
	var call mesos.Call
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if call.Type == mesos.CallSubscribe {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Mesos-Stream-Id", "stream-0001")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		rw := mesos.NewRecordWriter(w)
		for _, ev := range m.events {
			data, err := json.Marshal(ev)
			if err != nil {
				m.t.Errorf("marshal scripted event: %v", err)
				return
			}
			if err := rw.Write(data); err != nil {
				return
			}
			flusher.Flush()
		}
		select {
		case <-m.teardown:
		case <-r.Context().Done():
		}
		return
	}

	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
	if call.Type == mesos.CallTeardown {
		close(m.teardown)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m *scriptedMaster) recorded() []mesos.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mesos.Call(nil), m.calls...)
}

func (m *scriptedMaster) callTypes() []mesos.CallType {
	var types []mesos.CallType
	for _, c := range m.recorded() {
		types = append(types, c.Type)
	}
	return types
}

// testHandler records every callback and can be scripted per event kind.
type testHandler struct {
	mu         sync.Mutex
	registered []mesos.FrameworkID
	offers     [][]mesos.Offer
	updates    []mesos.TaskStatus
	messages   int

	onOffers func(ctx context.Context, offers []mesos.Offer) error
	onUpdate func(ctx context.Context, status mesos.TaskStatus) error
}

func (h *testHandler) Registered(ctx context.Context, frameworkID mesos.FrameworkID) {
	h.mu.Lock()
	h.registered = append(h.registered, frameworkID)
	h.mu.Unlock()
}

func (h *testHandler) ResourceOffers(ctx context.Context, offers []mesos.Offer) error {
	h.mu.Lock()
	h.offers = append(h.offers, offers)
	h.mu.Unlock()
	if h.onOffers != nil {
		return h.onOffers(ctx, offers)
	}
	return nil
}

func (h *testHandler) StatusUpdate(ctx context.Context, status mesos.TaskStatus) error {
	h.mu.Lock()
	h.updates = append(h.updates, status)
	h.mu.Unlock()
	if h.onUpdate != nil {
		return h.onUpdate(ctx, status)
	}
	return nil
}

func (h *testHandler) FrameworkMessage(ctx context.Context, executorID mesos.ExecutorID, agentID mesos.AgentID, data string) {
	h.mu.Lock()
	h.messages++
	h.mu.Unlock()
}

func testDriver(t *testing.T, master string) *HTTPDriver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHTTPDriver(master, mesos.FrameworkInfo{User: "root", Name: "deimos-test"}, logger)
}

func subscribedEvent(fid string, heartbeatSeconds float64) mesos.Event {
	return mesos.Event{
		Type: mesos.EventSubscribed,
		Subscribed: &mesos.Subscribed{
			FrameworkID:              mesos.FrameworkID{Value: fid},
			HeartbeatIntervalSeconds: heartbeatSeconds,
		},
	}
}

func offersEvent(ids ...string) mesos.Event {
	offers := make([]mesos.Offer, 0, len(ids))
	for i, id := range ids {
		offers = append(offers, mesos.Offer{
			ID:       mesos.OfferID{Value: id},
			AgentID:  mesos.AgentID{Value: fmt.Sprintf("agent-%d", i)},
			Hostname: fmt.Sprintf("host%d.example", i),
			Resources: []mesos.Resource{
				mesos.ScalarResource(mesos.ResourceCPUs, 4),
				mesos.ScalarResource(mesos.ResourceMem, 4096),
			},
		})
	}
	return mesos.Event{Type: mesos.EventOffers, Offers: &mesos.OffersEvent{Offers: offers}}
}

func updateEvent(taskID string, state mesos.TaskState, uuid string) mesos.Event {
	return mesos.Event{
		Type: mesos.EventUpdate,
		Update: &mesos.UpdateEvent{Status: mesos.TaskStatus{
			TaskID:  mesos.TaskID{Value: taskID},
			State:   state,
			AgentID: mesos.AgentID{Value: "agent-0"},
			UUID:    uuid,
		}},
	}
}

//
// Tests
//

func TestHTTPDriver_FullLifecycle(t *testing.T) {
	master := newScriptedMaster(t, []mesos.Event{
		subscribedEvent("fw-77", 0),
		offersEvent("offer-a", "offer-b"),
		updateEvent("task-a", mesos.TaskRunning, "uuid-1"),
		updateEvent("task-a", mesos.TaskFinished, ""),
	})
	drv := testDriver(t, master.srv.URL)

	task, err := mesos.NewCommandTask("task-a", mesos.AgentID{Value: "agent-0"}, "true", nil, "", mesos.TaskOpts{})
	if err != nil {
		t.Fatalf("NewCommandTask: %v", err)
	}

	handler := &testHandler{}
	handler.onOffers = func(ctx context.Context, offers []mesos.Offer) error {
		return drv.Launch(ctx, offers[0].ID, task)
	}
	handler.onUpdate = func(ctx context.Context, status mesos.TaskStatus) error {
		if status.State == mesos.TaskFinished {
			return drv.Stop(ctx)
		}
		return nil
	}

	status, err := drv.Run(context.Background(), handler)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != DriverStopped {
		t.Fatalf("Run status = %s, want %s", status, DriverStopped)
	}

	if len(handler.registered) != 1 || handler.registered[0].Value != "fw-77" {
		t.Errorf("registered = %v, want a single registration as fw-77", handler.registered)
	}
	if len(handler.updates) != 2 {
		t.Errorf("handler saw %d updates, want 2", len(handler.updates))
	}

	var accepts, declines, acks, teardowns int
	for _, c := range master.recorded() {
		switch c.Type {
		case mesos.CallAccept:
			accepts++
			if c.FrameworkID == nil || c.FrameworkID.Value != "fw-77" {
				t.Errorf("ACCEPT framework id = %v, want fw-77", c.FrameworkID)
			}
			if len(c.Accept.OfferIDs) != 1 || c.Accept.OfferIDs[0].Value != "offer-a" {
				t.Errorf("ACCEPT offer ids = %v, want [offer-a]", c.Accept.OfferIDs)
			}
			ops := c.Accept.Operations
			if len(ops) != 1 || ops[0].Type != mesos.OperationLaunch {
				t.Fatalf("ACCEPT operations = %+v, want a single LAUNCH", ops)
			}
			if infos := ops[0].Launch.TaskInfos; len(infos) != 1 || infos[0].TaskID.Value != "task-a" {
				t.Errorf("LAUNCH tasks = %+v, want [task-a]", infos)
			}
		case mesos.CallDecline:
			declines++
			if len(c.Decline.OfferIDs) != 1 || c.Decline.OfferIDs[0].Value != "offer-b" {
				t.Errorf("DECLINE offer ids = %v, want [offer-b]", c.Decline.OfferIDs)
			}
		case mesos.CallAcknowledge:
			acks++
			if c.Acknowledge.UUID != "uuid-1" || c.Acknowledge.TaskID.Value != "task-a" {
				t.Errorf("ACKNOWLEDGE = %+v, want uuid-1 for task-a", c.Acknowledge)
			}
		case mesos.CallTeardown:
			teardowns++
		}
	}
	if accepts != 1 || declines != 1 || acks != 1 || teardowns != 1 {
		t.Errorf("recorded calls = %v, want one each of ACCEPT, DECLINE, ACKNOWLEDGE, TEARDOWN", master.callTypes())
	}
}

func TestHTTPDriver_DeclinesAllUnusedOffers(t *testing.T) {
	master := newScriptedMaster(t, []mesos.Event{
		subscribedEvent("fw-1", 0),
		offersEvent("offer-c", "offer-a", "offer-b"),
	})
	drv := testDriver(t, master.srv.URL)

	// The handler launches nothing, so the whole batch goes back. The run
	// has no orderly end here; cut it off once the decline is recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	status, err := drv.Run(ctx, &testHandler{})
	if status != DriverAborted {
		t.Fatalf("Run status = %s, want %s", status, DriverAborted)
	}
	if err == nil {
		t.Fatal("Run returned nil error for a cancelled subscription")
	}

	var declined []string
	for _, c := range master.recorded() {
		if c.Type == mesos.CallDecline {
			for _, id := range c.Decline.OfferIDs {
				declined = append(declined, id.Value)
			}
		}
	}
	if got, want := strings.Join(declined, ","), "offer-a,offer-b,offer-c"; got != want {
		t.Errorf("declined offers = %q, want %q", got, want)
	}
}

func TestHTTPDriver_MasterErrorAborts(t *testing.T) {
	master := newScriptedMaster(t, []mesos.Event{
		subscribedEvent("fw-1", 0),
		{Type: mesos.EventError, Error: &mesos.ErrorEvent{Message: "framework has been removed"}},
	})
	drv := testDriver(t, master.srv.URL)

	status, err := drv.Run(context.Background(), &testHandler{})
	if status != DriverAborted {
		t.Fatalf("Run status = %s, want %s", status, DriverAborted)
	}
	if err == nil || !strings.Contains(err.Error(), "framework has been removed") {
		t.Errorf("Run error = %v, want the master's message", err)
	}
}

func TestHTTPDriver_StreamClosedByMasterAborts(t *testing.T) {
	master := newScriptedMaster(t, []mesos.Event{subscribedEvent("fw-1", 0)})
	close(master.teardown) // master drops the stream right after SUBSCRIBED
	drv := testDriver(t, master.srv.URL)

	status, err := drv.Run(context.Background(), &testHandler{})
	if status != DriverAborted {
		t.Fatalf("Run status = %s, want %s", status, DriverAborted)
	}
	if !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Run error = %v, want ErrStreamClosed", err)
	}
}

func TestHTTPDriver_HandlerErrorAborts(t *testing.T) {
	master := newScriptedMaster(t, []mesos.Event{
		subscribedEvent("fw-1", 0),
		updateEvent("task-x", mesos.TaskRunning, ""),
	})
	drv := testDriver(t, master.srv.URL)

	boom := errors.New("strategy exploded")
	handler := &testHandler{
		onUpdate: func(ctx context.Context, status mesos.TaskStatus) error { return boom },
	}
	status, err := drv.Run(context.Background(), handler)
	if status != DriverAborted {
		t.Fatalf("Run status = %s, want %s", status, DriverAborted)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Run error = %v, want the handler's error", err)
	}
}

func TestHTTPDriver_HeartbeatTimeout(t *testing.T) {
	// The master advertises 10ms heartbeats and never sends one; the
	// watchdog gives up after five missed intervals.
	master := newScriptedMaster(t, []mesos.Event{subscribedEvent("fw-1", 0.01)})
	drv := testDriver(t, master.srv.URL)

	status, err := drv.Run(context.Background(), &testHandler{})
	if status != DriverAborted {
		t.Fatalf("Run status = %s, want %s", status, DriverAborted)
	}
	if !errors.Is(err, ErrHeartbeatTimeout) {
		t.Errorf("Run error = %v, want ErrHeartbeatTimeout", err)
	}
}

// A burst of heartbeats must not stall the pump while the watchdog is busy;
// the forwarding send is best-effort.
func TestHTTPDriver_HeartbeatBurstDoesNotStallPump(t *testing.T) {
	events := []mesos.Event{subscribedEvent("fw-1", 0.01)}
	for i := 0; i < 20; i++ {
		events = append(events, mesos.Event{Type: mesos.EventHeartbeat})
	}
	events = append(events, updateEvent("task-a", mesos.TaskFinished, ""))
	master := newScriptedMaster(t, events)
	drv := testDriver(t, master.srv.URL)

	handler := &testHandler{}
	handler.onUpdate = func(ctx context.Context, status mesos.TaskStatus) error {
		return drv.Stop(ctx)
	}

	status, err := drv.Run(context.Background(), handler)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != DriverStopped {
		t.Fatalf("Run status = %s, want %s", status, DriverStopped)
	}
}

func TestHTTPDriver_SubscribeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	drv := testDriver(t, srv.URL)

	status, err := drv.Run(context.Background(), &testHandler{})
	if status != DriverAborted {
		t.Fatalf("Run status = %s, want %s", status, DriverAborted)
	}
	if err == nil || !strings.Contains(err.Error(), "HTTP 503") {
		t.Errorf("Run error = %v, want the rejection status", err)
	}
}

func TestNewHTTPDriver_DefaultsScheme(t *testing.T) {
	drv := testDriver(t, "localhost:5050")
	if drv.master != "http://localhost:5050" {
		t.Errorf("master = %q, want http scheme prepended", drv.master)
	}
	drv = testDriver(t, "http://localhost:5050/")
	if drv.master != "http://localhost:5050" {
		t.Errorf("master = %q, want trailing slash trimmed", drv.master)
	}
}
