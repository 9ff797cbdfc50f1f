package mesos

// CallType enumerates the scheduler-to-master calls the harness issues.
type CallType string

const (
	CallSubscribe   CallType = "SUBSCRIBE"
	CallAccept      CallType = "ACCEPT"
	CallDecline     CallType = "DECLINE"
	CallKill        CallType = "KILL"
	CallAcknowledge CallType = "ACKNOWLEDGE"
	CallTeardown    CallType = "TEARDOWN"
)

// OperationLaunch is the only offer operation the harness uses.
const OperationLaunch = "LAUNCH"

// Call is a scheduler-to-master message on the v1 scheduler API. The payload
// field matching Type is set; TEARDOWN carries only the framework id.
type Call struct {
	Type        CallType     `json:"type"`
	FrameworkID *FrameworkID `json:"framework_id,omitempty"`
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Accept      *Accept      `json:"accept,omitempty"`
	Decline     *Decline     `json:"decline,omitempty"`
	Kill        *Kill        `json:"kill,omitempty"`
	Acknowledge *Acknowledge `json:"acknowledge,omitempty"`
}

// Subscribe opens an event stream for a new framework.
type Subscribe struct {
	FrameworkInfo FrameworkInfo `json:"framework_info"`
}

// Accept consumes offers and applies launch operations to them.
type Accept struct {
	OfferIDs   []OfferID   `json:"offer_ids"`
	Operations []Operation `json:"operations"`
}

// Operation is a single offer operation inside an Accept.
type Operation struct {
	Type   string  `json:"type"`
	Launch *Launch `json:"launch,omitempty"`
}

// Launch carries the tasks started against the accepted offers.
type Launch struct {
	TaskInfos []TaskInfo `json:"task_infos"`
}

// Decline returns offers to the master unused.
type Decline struct {
	OfferIDs []OfferID `json:"offer_ids"`
}

// Kill asks the master to terminate a task.
type Kill struct {
	TaskID TaskID `json:"task_id"`
}

// Acknowledge confirms receipt of a status update so the master stops
// retrying it.
type Acknowledge struct {
	AgentID AgentID `json:"agent_id"`
	TaskID  TaskID  `json:"task_id"`
	UUID    string  `json:"uuid"`
}
