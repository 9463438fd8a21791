// Package state owns agent lifecycle state: the transition table, the
// per-agent heartbeat monitors, startup timeouts, and the FIFO message queue.
// All agent state mutation goes through the Manager; any other writer of
// agent_state is a bug.
package state

import (
	"github.com/crewdock/crewdock/internal/agent"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
)

// transitions is the set of legal state changes. Illegal transitions are
// rejected, never coerced.
var transitions = map[agent.State]map[agent.State]bool{
	agent.StateInitializing: {
		agent.StateAvailable: true,
		agent.StateError:     true,
		agent.StateOffline:   true,
	},
	agent.StateAvailable: {
		agent.StateWorking: true,
		agent.StateError:   true,
		agent.StateOffline: true,
	},
	agent.StateWorking: {
		agent.StateAvailable: true,
		agent.StateError:     true,
		agent.StateOffline:   true,
	},
	agent.StateError: {
		agent.StateInitializing: true,
		agent.StateAvailable:    true,
		agent.StateOffline:      true,
	},
	agent.StateOffline: {
		agent.StateInitializing: true,
		agent.StateAvailable:    true,
		agent.StateError:        true,
	},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to agent.State) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// ValidateTransition returns an invalid-transition error when from -> to is
// not in the table.
func ValidateTransition(agentID string, from, to agent.State) error {
	if !CanTransition(from, to) {
		return apperrors.InvalidTransition(agentID, string(from), string(to))
	}
	return nil
}
