package mesos

// EventType enumerates the master-to-scheduler events on the subscription
// stream.
type EventType string

const (
	EventSubscribed EventType = "SUBSCRIBED"
	EventOffers     EventType = "OFFERS"
	EventUpdate     EventType = "UPDATE"
	EventMessage    EventType = "MESSAGE"
	EventFailure    EventType = "FAILURE"
	EventError      EventType = "ERROR"
	EventHeartbeat  EventType = "HEARTBEAT"
)

// Event is a master-to-scheduler message. HEARTBEAT events carry no payload.
type Event struct {
	Type       EventType     `json:"type"`
	Subscribed *Subscribed   `json:"subscribed,omitempty"`
	Offers     *OffersEvent  `json:"offers,omitempty"`
	Update     *UpdateEvent  `json:"update,omitempty"`
	Message    *MessageEvent `json:"message,omitempty"`
	Failure    *FailureEvent `json:"failure,omitempty"`
	Error      *ErrorEvent   `json:"error,omitempty"`
}

// Subscribed confirms the subscription and assigns the framework id.
type Subscribed struct {
	FrameworkID              FrameworkID `json:"framework_id"`
	HeartbeatIntervalSeconds float64     `json:"heartbeat_interval_seconds,omitempty"`
}

// OffersEvent carries a batch of resource offers.
type OffersEvent struct {
	Offers []Offer `json:"offers"`
}

// UpdateEvent carries a single task status update.
type UpdateEvent struct {
	Status TaskStatus `json:"status"`
}

// MessageEvent carries an executor-to-framework message.
type MessageEvent struct {
	AgentID    AgentID    `json:"agent_id"`
	ExecutorID ExecutorID `json:"executor_id"`
	Data       string     `json:"data,omitempty"`
}

// FailureEvent reports a lost agent or a terminated executor.
type FailureEvent struct {
	AgentID    *AgentID    `json:"agent_id,omitempty"`
	ExecutorID *ExecutorID `json:"executor_id,omitempty"`
	Status     int         `json:"status,omitempty"`
}

// ErrorEvent reports an unrecoverable subscription error.
type ErrorEvent struct {
	Message string `json:"message"`
}
