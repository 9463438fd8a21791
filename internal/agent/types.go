// Package agent defines the persisted agent model and its datastore.
package agent

import (
	"errors"
	"time"
)

// State is the runtime state of an agent. Transitions between states are
// validated by the state machine in the state subpackage.
type State string

const (
	StateInitializing State = "initializing"
	StateAvailable    State = "available"
	StateWorking      State = "working"
	StateError        State = "error"
	StateOffline      State = "offline"
)

// Valid reports whether s is one of the known agent states.
func (s State) Valid() bool {
	switch s {
	case StateInitializing, StateAvailable, StateWorking, StateError, StateOffline:
		return true
	}
	return false
}

// Status is the provisioning status of the agent's execution backend,
// tracked separately from the runtime State.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
)

// Location selects where the agent process runs.
type Location string

const (
	LocationLocal  Location = "local"
	LocationRemote Location = "remote"
)

// Isolation selects the execution backend for an agent.
type Isolation string

const (
	IsolationNone   Isolation = "none"   // plain local PTY
	IsolationTmux   Isolation = "tmux"   // persistent tmux session
	IsolationDocker Isolation = "docker" // dedicated container
)

// QueuedMessage is a message waiting for the agent to become available.
type QueuedMessage struct {
	ID          string    `json:"id"`
	Message     string    `json:"message"`
	SubmittedBy string    `json:"submitted_by"`
	QueuedAt    time.Time `json:"queued_at"`
}

// Record is the persisted representation of an agent.
type Record struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	TeamID        string    `json:"team_id" db:"team_id"`
	Status        Status    `json:"status" db:"status"`
	AgentState    State     `json:"agent_state" db:"agent_state"`
	Location      Location  `json:"location" db:"location"`
	Isolation     Isolation `json:"isolation" db:"isolation"`
	SessionHandle string    `json:"session_handle" db:"session_handle"`
	CurrentTaskID string    `json:"current_task_id" db:"current_task_id"`

	// MessageQueue holds FIFO-ordered messages waiting for the agent.
	// It is persisted as JSON in the message_queue column.
	MessageQueue     []QueuedMessage `json:"message_queue" db:"-"`
	MessageQueueJSON string          `json:"-" db:"message_queue"`

	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
	LastError     string     `json:"last_error" db:"last_error"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// QueueLength returns the number of queued messages.
func (r *Record) QueueLength() int {
	return len(r.MessageQueue)
}

// Note is an operator-visible annotation on an agent, such as the reason a
// startup was abandoned.
type Note struct {
	ID        int64     `json:"id" db:"id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Note      string    `json:"note" db:"note"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ErrStateConflict is returned by CompareAndSwapState when the agent's state
// no longer matches the expected value.
var ErrStateConflict = errors.New("agent state changed concurrently")
