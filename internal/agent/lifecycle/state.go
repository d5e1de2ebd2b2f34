// Package lifecycle owns every managed instance: its state machine, the
// handle the adapters act on, and the persisted record.
package lifecycle

import (
	v1 "github.com/codervisor/clawden/pkg/api/v1"
)

// transitions lists the edges the state machine allows. Decommission is not
// an edge; it destroys the handle from any state.
var transitions = map[v1.AgentState][]v1.AgentState{
	v1.AgentStateRegistered: {v1.AgentStateInstalled},
	v1.AgentStateInstalled:  {v1.AgentStateInstalled, v1.AgentStateRunning},
	v1.AgentStateRunning:    {v1.AgentStateStopped, v1.AgentStateDegraded, v1.AgentStateRunning},
	v1.AgentStateDegraded:   {v1.AgentStateRunning, v1.AgentStateStopped},
	v1.AgentStateStopped:    {v1.AgentStateRunning},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to v1.AgentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsActive reports whether an instance in state s has a live process or endpoint.
func IsActive(s v1.AgentState) bool {
	return s == v1.AgentStateRunning || s == v1.AgentStateDegraded
}
