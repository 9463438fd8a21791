// Package runtime provides the execution backends that run an agent's
// interactive terminal session: a local raw PTY, a persistent tmux session a
// client can detach from and re-attach to, and a dedicated container. Drivers
// share the Session plumbing for output fan-out, scrollback, and readiness
// gating; callers select a driver through the Registry by (location, isolation).
package runtime

import (
	"context"
	"time"

	"github.com/crewdock/crewdock/internal/agent"
)

// SpawnOptions describes one session spawn request.
type SpawnOptions struct {
	AgentID       string
	TeamID        string
	Command       string
	Args          []string
	WorkDir       string
	Env           []string
	RepositoryURL string
	Location      agent.Location
	Isolation     agent.Isolation
	InitialCols   uint16
	InitialRows   uint16
}

// Driver is the strategy interface for one isolation mode. A handle is the
// driver's opaque session identifier (tmux session name, container id, ...)
// persisted on the agent record for later reconnection or inspection.
type Driver interface {
	// Kind reports the isolation mode this driver implements.
	Kind() agent.Isolation

	// Spawn starts (or re-attaches to) the agent's session.
	Spawn(ctx context.Context, opts SpawnOptions) (*Session, error)

	// SendInput forwards input bytes to the session.
	SendInput(handle string, data []byte) error

	// Resize changes the session's terminal geometry.
	Resize(handle string, cols, rows uint16) error

	// Disconnect detaches from the session. For non-persistent drivers this
	// tears the session down; for persistent ones the program keeps running.
	Disconnect(ctx context.Context, handle string) error
}

// PersistentDriver is implemented by drivers whose sessions survive a
// disconnect and can be re-attached by a later Spawn.
type PersistentDriver interface {
	Driver

	// IsSessionPersistent reports whether the session outlives a Disconnect.
	IsSessionPersistent(handle string) bool

	// Destroy tears the session down for good.
	Destroy(ctx context.Context, handle string) error
}

// LogRetriever is implemented by drivers that can recover session output from
// the backend itself, for agents whose in-process session is gone (typically
// after a restart of this process).
type LogRetriever interface {
	// Logs returns the backend's recent output for the session.
	Logs(ctx context.Context, handle string, tail string) ([]byte, error)
}

// Config holds the knobs shared by the drivers.
type Config struct {
	DefaultCommand  string        // command run when a spawn request gives none
	Image           string        // image for docker-isolated sessions
	WorkspaceRoot   string        // host directory for per-agent workspaces
	InputWarmup     time.Duration // post-spawn input suppression window
	ScrollbackBytes int           // per-session output ring size
	StopTimeout     time.Duration // container stop grace period
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCommand:  "bash",
		Image:           "debian:bookworm-slim",
		WorkspaceRoot:   "./data/agents",
		InputWarmup:     5 * time.Second,
		ScrollbackBytes: 16 * 1024,
		StopTimeout:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultCommand == "" {
		c.DefaultCommand = d.DefaultCommand
	}
	if c.Image == "" {
		c.Image = d.Image
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = d.WorkspaceRoot
	}
	// InputWarmup is honoured as given; zero disables the suppression window.
	if c.InputWarmup < 0 {
		c.InputWarmup = 0
	}
	if c.ScrollbackBytes <= 0 {
		c.ScrollbackBytes = d.ScrollbackBytes
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}
