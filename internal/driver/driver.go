// Package driver speaks the master's v1 scheduler API: it maintains the
// subscription event stream, turns events into handler callbacks, and sends
// calls on the scheduler's behalf.
package driver

import (
	"context"
	"errors"

	"github.com/hub-cap/deimos/pkg/mesos"
)

// Status is the final condition of a driver once Run returns.
type Status string

const (
	// DriverStopped means the stream ended after an orderly Stop.
	DriverStopped Status = "DRIVER_STOPPED"
	// DriverAborted means the stream ended any other way.
	DriverAborted Status = "DRIVER_ABORTED"
)

var (
	// ErrStreamClosed is returned when the master closes the event stream
	// before the scheduler asked to stop.
	ErrStreamClosed = errors.New("event stream closed by master")
	// ErrHeartbeatTimeout is returned when the master stops heartbeating.
	ErrHeartbeatTimeout = errors.New("master heartbeat timed out")
)

// Driver is the call surface handlers use to react to events.
type Driver interface {
	// Launch accepts the given offer with a single task.
	Launch(ctx context.Context, offerID mesos.OfferID, task *mesos.TaskInfo) error
	// Kill asks the master to terminate a task.
	Kill(ctx context.Context, taskID mesos.TaskID) error
	// Stop tears the framework down and ends the event stream cleanly.
	// Calling Stop again after it succeeded is a no-op.
	Stop(ctx context.Context) error
}

// EventHandler receives the scheduler-side callbacks. Callbacks run one at
// a time in stream order. A non-nil error from ResourceOffers or
// StatusUpdate aborts the driver.
type EventHandler interface {
	// Registered is called once the master confirms the subscription.
	Registered(ctx context.Context, frameworkID mesos.FrameworkID)
	// ResourceOffers is called with each offer batch. Offers the handler
	// did not launch on are declined by the driver afterwards.
	ResourceOffers(ctx context.Context, offers []mesos.Offer) error
	// StatusUpdate is called for every task status update. The driver
	// acknowledges the update once the handler returns nil.
	StatusUpdate(ctx context.Context, status mesos.TaskStatus) error
	// FrameworkMessage is called for executor-to-framework messages.
	FrameworkMessage(ctx context.Context, executorID mesos.ExecutorID, agentID mesos.AgentID, data string)
}
