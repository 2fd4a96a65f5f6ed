package types

// AgentStatus is the availability of a registered agent.
type AgentStatus string

const (
	// AgentIdle means the agent is registered and has no in-flight tasks.
	AgentIdle AgentStatus = "idle"
	// AgentBusy means the agent has at least one in-flight task.
	AgentBusy AgentStatus = "busy"
	// AgentUnavailable means the agent's circuit is open and it must not
	// be selected for dispatch.
	AgentUnavailable AgentStatus = "unavailable"
)

// Agent describes an external capability-addressable worker.
// Agents are consumed, not implemented, by this engine: they register
// their capabilities at startup and exchange AgentMessages over the
// message channel.
type Agent struct {
	ID           string      `json:"id"`
	Capabilities []string    `json:"capabilities"`
	Status       AgentStatus `json:"status"`

	// Priority breaks ties during agent selection; higher wins.
	Priority int `json:"priority"`
	// Capacity is the advertised maximum of concurrent tasks. Zero means
	// unbounded.
	Capacity int `json:"capacity"`
}

// HasCapability reports whether the agent declared the given capability.
func (a Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
