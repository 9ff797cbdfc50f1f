package mesos

// TaskID uniquely identifies a task within a framework.
type TaskID struct {
	Value string `json:"value"`
}

// AgentID identifies the agent an offer or task belongs to.
type AgentID struct {
	Value string `json:"value"`
}

// OfferID identifies a single resource offer.
type OfferID struct {
	Value string `json:"value"`
}

// FrameworkID is assigned by the master when a framework subscribes.
type FrameworkID struct {
	Value string `json:"value"`
}

// ExecutorID identifies a custom executor on an agent.
type ExecutorID struct {
	Value string `json:"value"`
}

// FrameworkInfo describes the framework to the master at subscription time.
type FrameworkInfo struct {
	User string `json:"user"`
	Name string `json:"name"`
}

// Names of the scalar resources the harness requests.
const (
	ResourceCPUs = "cpus"
	ResourceMem  = "mem"
)

// Resource is a named quantity offered by an agent or requested by a task.
type Resource struct {
	Name   string       `json:"name"`
	Type   string       `json:"type"`
	Scalar *ScalarValue `json:"scalar,omitempty"`
}

// ScalarValue carries a scalar resource amount.
type ScalarValue struct {
	Value float64 `json:"value"`
}

// ScalarResource builds a SCALAR resource with the given name and amount.
func ScalarResource(name string, amount float64) Resource {
	return Resource{Name: name, Type: "SCALAR", Scalar: &ScalarValue{Value: amount}}
}

// ScalarAmount returns the scalar value of the resource, or zero if the
// resource carries none.
func (r Resource) ScalarAmount() float64 {
	if r.Scalar == nil {
		return 0
	}
	return r.Scalar.Value
}

// Offer advertises available resources on a single agent.
type Offer struct {
	ID          OfferID     `json:"id"`
	FrameworkID FrameworkID `json:"framework_id"`
	AgentID     AgentID     `json:"agent_id"`
	Hostname    string      `json:"hostname"`
	Resources   []Resource  `json:"resources,omitempty"`
}

// TaskStatus reports the current state of a task. UUID is set on updates
// that require acknowledgement.
type TaskStatus struct {
	TaskID    TaskID    `json:"task_id"`
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	AgentID   AgentID   `json:"agent_id"`
	UUID      string    `json:"uuid,omitempty"`
	Timestamp float64   `json:"timestamp,omitempty"`
}
