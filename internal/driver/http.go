package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hub-cap/deimos/pkg/mesos"
)

// schedulerPath is the v1 scheduler API endpoint under the master URL.
const schedulerPath = "/api/v1/scheduler"

const (
	// defaultCallTimeout bounds each non-subscribe call.
	defaultCallTimeout = 30 * time.Second
	// heartbeatMisses is how many heartbeat intervals may pass silently
	// before the driver gives up on the stream.
	heartbeatMisses = 5
)

// errStreamEnded signals an orderly end of the pump inside the run group.
// Run folds it away; it never escapes this package.
var errStreamEnded = errors.New("stream ended")

// HTTPDriver is a Driver over the master's v1 scheduler HTTP API. Launch,
// Kill and Stop are valid only while Run maintains the subscription.
type HTTPDriver struct {
	master      string
	framework   mesos.FrameworkInfo
	client      *http.Client
	callTimeout time.Duration
	logger      *slog.Logger

	mu            sync.Mutex
	streamID      string
	frameworkID   mesos.FrameworkID
	pending       map[string]bool // offer ids of the batch being handled
	stopRequested bool
	cancelRun     context.CancelFunc
}

// NewHTTPDriver creates a driver for the master at the given base URL.
// A bare host:port is treated as http. The client carries no global
// timeout because the subscription stream lives on it; individual calls
// are bounded per request.
func NewHTTPDriver(master string, framework mesos.FrameworkInfo, logger *slog.Logger) *HTTPDriver {
	if !strings.Contains(master, "://") {
		master = "http://" + master
	}
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPDriver{
		master:      strings.TrimRight(master, "/"),
		framework:   framework,
		client:      &http.Client{Transport: transport},
		callTimeout: defaultCallTimeout,
		logger:      logger.With("component", "driver"),
	}
}

// Run subscribes to the master and pumps events to the handler until the
// stream ends. It returns DriverStopped after an orderly Stop, and
// DriverAborted with the causing error for every other ending: handler
// errors, transport errors, a master-closed stream, missing heartbeats, or
// context cancellation.
func (d *HTTPDriver) Run(ctx context.Context, handler EventHandler) (Status, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancelRun = cancel
	d.mu.Unlock()

	resp, err := d.subscribe(runCtx)
	if err != nil {
		return DriverAborted, err
	}
	defer resp.Body.Close()

	streamID := resp.Header.Get("Mesos-Stream-Id")
	d.mu.Lock()
	d.streamID = streamID
	d.mu.Unlock()
	d.logger.Info("subscribed", "master", d.master, "stream_id", streamID)

	heartbeats := make(chan struct{}, 1)
	intervalCh := make(chan time.Duration, 1)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return d.pump(gctx, mesos.NewRecordReader(resp.Body), handler, heartbeats, intervalCh)
	})
	g.Go(func() error {
		return d.watchdog(gctx, heartbeats, intervalCh)
	})

	err = g.Wait()
	if d.isStopRequested() {
		d.logger.Info("driver stopped")
		return DriverStopped, nil
	}
	if errors.Is(err, errStreamEnded) || err == nil {
		err = ErrStreamClosed
	}
	d.logger.Error("driver aborted", "error", err)
	return DriverAborted, err
}

// pump decodes the event stream and dispatches each event in order.
func (d *HTTPDriver) pump(ctx context.Context, r *mesos.RecordReader, handler EventHandler, heartbeats chan<- struct{}, intervalCh chan<- time.Duration) error {
	for {
		record, err := r.Next()
		if err != nil {
			if d.isStopRequested() {
				return errStreamEnded
			}
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return fmt.Errorf("event stream: %w", err)
		}
		var ev mesos.Event
		if err := json.Unmarshal(record, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := d.dispatch(ctx, &ev, handler, heartbeats, intervalCh); err != nil {
			return err
		}
	}
}

func (d *HTTPDriver) dispatch(ctx context.Context, ev *mesos.Event, handler EventHandler, heartbeats chan<- struct{}, intervalCh chan<- time.Duration) error {
	switch ev.Type {
	case mesos.EventSubscribed:
		if ev.Subscribed == nil {
			return fmt.Errorf("SUBSCRIBED event without payload")
		}
		d.mu.Lock()
		d.frameworkID = ev.Subscribed.FrameworkID
		d.mu.Unlock()
		if secs := ev.Subscribed.HeartbeatIntervalSeconds; secs > 0 {
			select {
			case intervalCh <- time.Duration(secs * float64(time.Second)):
			default:
			}
		}
		handler.Registered(ctx, ev.Subscribed.FrameworkID)

	case mesos.EventOffers:
		if ev.Offers == nil {
			return nil
		}
		return d.handleOffers(ctx, ev.Offers.Offers, handler)

	case mesos.EventUpdate:
		if ev.Update == nil {
			return nil
		}
		return d.handleUpdate(ctx, ev.Update.Status, handler)

	case mesos.EventMessage:
		if ev.Message != nil {
			handler.FrameworkMessage(ctx, ev.Message.ExecutorID, ev.Message.AgentID, ev.Message.Data)
		}

	case mesos.EventHeartbeat:
		select {
		case heartbeats <- struct{}{}:
		default:
		}

	case mesos.EventFailure:
		if ev.Failure != nil {
			attrs := []any{}
			if ev.Failure.AgentID != nil {
				attrs = append(attrs, "agent", ev.Failure.AgentID.Value)
			}
			if ev.Failure.ExecutorID != nil {
				attrs = append(attrs, "executor", ev.Failure.ExecutorID.Value, "status", ev.Failure.Status)
			}
			d.logger.Warn("failure event", attrs...)
		}

	case mesos.EventError:
		msg := "no message"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return fmt.Errorf("master error: %s", msg)

	default:
		d.logger.Debug("ignoring event", "type", ev.Type)
	}
	return nil
}

// handleOffers tracks the open offer batch while the handler runs, then
// declines every offer the handler did not launch on.
func (d *HTTPDriver) handleOffers(ctx context.Context, offers []mesos.Offer, handler EventHandler) error {
	d.mu.Lock()
	d.pending = make(map[string]bool, len(offers))
	for _, o := range offers {
		d.pending[o.ID.Value] = true
	}
	d.mu.Unlock()

	handlerErr := handler.ResourceOffers(ctx, offers)

	d.mu.Lock()
	leftover := make([]mesos.OfferID, 0, len(d.pending))
	for id, open := range d.pending {
		if open {
			leftover = append(leftover, mesos.OfferID{Value: id})
		}
	}
	d.pending = nil
	d.mu.Unlock()

	if handlerErr != nil {
		return fmt.Errorf("offer handler: %w", handlerErr)
	}
	if len(leftover) == 0 || d.isStopRequested() {
		return nil
	}
	sort.Slice(leftover, func(i, j int) bool { return leftover[i].Value < leftover[j].Value })
	d.logger.Debug("declining unused offers", "offers", len(leftover))
	fid := d.currentFrameworkID()
	call := &mesos.Call{
		Type:        mesos.CallDecline,
		FrameworkID: &fid,
		Decline:     &mesos.Decline{OfferIDs: leftover},
	}
	if err := d.call(ctx, call); err != nil {
		return fmt.Errorf("decline offers: %w", err)
	}
	return nil
}

// handleUpdate feeds the update to the handler and acknowledges it when it
// carries a uuid. No acknowledgement is sent after a stop request; the
// teardown already retired the framework.
func (d *HTTPDriver) handleUpdate(ctx context.Context, status mesos.TaskStatus, handler EventHandler) error {
	if err := handler.StatusUpdate(ctx, status); err != nil {
		return fmt.Errorf("update handler: %w", err)
	}
	if status.UUID == "" || d.isStopRequested() {
		return nil
	}
	fid := d.currentFrameworkID()
	call := &mesos.Call{
		Type:        mesos.CallAcknowledge,
		FrameworkID: &fid,
		Acknowledge: &mesos.Acknowledge{
			AgentID: status.AgentID,
			TaskID:  status.TaskID,
			UUID:    status.UUID,
		},
	}
	if err := d.call(ctx, call); err != nil {
		return fmt.Errorf("acknowledge %s: %w", status.TaskID.Value, err)
	}
	return nil
}

// watchdog aborts the run when the master advertised heartbeats but stopped
// sending them.
func (d *HTTPDriver) watchdog(ctx context.Context, heartbeats <-chan struct{}, intervalCh <-chan time.Duration) error {
	var interval time.Duration
	select {
	case <-ctx.Done():
		return nil
	case interval = <-intervalCh:
	}
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	grace := interval * heartbeatMisses
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeats:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(grace)
		case <-timer.C:
			if d.isStopRequested() {
				return nil
			}
			return fmt.Errorf("%w: nothing heard in %s", ErrHeartbeatTimeout, grace)
		}
	}
}

// Launch accepts one offer with a single LAUNCH operation.
func (d *HTTPDriver) Launch(ctx context.Context, offerID mesos.OfferID, task *mesos.TaskInfo) error {
	d.mu.Lock()
	fid := d.frameworkID
	if d.pending != nil {
		d.pending[offerID.Value] = false
	}
	d.mu.Unlock()

	call := &mesos.Call{
		Type:        mesos.CallAccept,
		FrameworkID: &fid,
		Accept: &mesos.Accept{
			OfferIDs: []mesos.OfferID{offerID},
			Operations: []mesos.Operation{{
				Type:   mesos.OperationLaunch,
				Launch: &mesos.Launch{TaskInfos: []mesos.TaskInfo{*task}},
			}},
		},
	}
	if err := d.call(ctx, call); err != nil {
		return fmt.Errorf("accept offer %s: %w", offerID.Value, err)
	}
	return nil
}

// Kill asks the master to terminate a task.
func (d *HTTPDriver) Kill(ctx context.Context, taskID mesos.TaskID) error {
	fid := d.currentFrameworkID()
	call := &mesos.Call{
		Type:        mesos.CallKill,
		FrameworkID: &fid,
		Kill:        &mesos.Kill{TaskID: taskID},
	}
	if err := d.call(ctx, call); err != nil {
		return fmt.Errorf("kill %s: %w", taskID.Value, err)
	}
	return nil
}

// Stop tears the framework down. On success the master closes the event
// stream and Run returns DriverStopped; a failed teardown call leaves the
// stop unrequested and is fatal for the run.
func (d *HTTPDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopRequested {
		d.mu.Unlock()
		return nil
	}
	fid := d.frameworkID
	cancel := d.cancelRun
	d.mu.Unlock()

	call := &mesos.Call{Type: mesos.CallTeardown, FrameworkID: &fid}
	if err := d.call(ctx, call); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}

	d.mu.Lock()
	d.stopRequested = true
	d.mu.Unlock()
	d.logger.Info("teardown sent")
	if cancel != nil {
		cancel()
	}
	return nil
}

// subscribe opens the event stream.
func (d *HTTPDriver) subscribe(ctx context.Context) (*http.Response, error) {
	call := &mesos.Call{
		Type:      mesos.CallSubscribe,
		Subscribe: &mesos.Subscribe{FrameworkInfo: d.framework},
	}
	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("encode subscribe: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.master+schedulerPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", d.master, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe to %s: HTTP %d: %s", d.master, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return resp, nil
}

// call POSTs a non-subscribe call and expects 202 Accepted.
func (d *HTTPDriver) call(ctx context.Context, call *mesos.Call) error {
	body, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encode %s call: %w", call.Type, err)
	}
	cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, d.master+schedulerPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", call.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sid := d.currentStreamID(); sid != "" {
		req.Header.Set("Mesos-Stream-Id", sid)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s call: %w", call.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s call: HTTP %d: %s", call.Type, resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return nil
}

func (d *HTTPDriver) isStopRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopRequested
}

func (d *HTTPDriver) currentStreamID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamID
}

func (d *HTTPDriver) currentFrameworkID() mesos.FrameworkID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameworkID
}
