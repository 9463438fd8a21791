// Package container defines the engine abstraction for running agent and
// preview workloads in containers.
package container

import (
	"context"
	"io"
	"time"
)

// Labels applied to every container Crewdock creates. Reconciliation and
// stale-record cleanup find containers by these labels rather than by name.
const (
	LabelManaged = "crewdock.managed"
	LabelTeamID  = "crewdock.team_id"
	LabelAgentID = "crewdock.agent_id"
	LabelRole    = "crewdock.role"
)

// Values for LabelRole.
const (
	RoleAgent   = "agent"
	RolePreview = "preview"
)

// Mount binds a host path into the container.
type Mount struct {
	Source   string // Host path
	Target   string // Container path
	ReadOnly bool
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	HostPort      int
	ContainerPort int
	Protocol      string // defaults to tcp
}

// Spec holds configuration for creating a container.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	Ports       []PortBinding
	NetworkMode string
	Memory      int64 // Memory limit in bytes
	CPUQuota    int64
	Labels      map[string]string
	AutoRemove  bool
	// TTY allocates a pseudo-terminal. Agent containers run with a TTY so
	// the attach stream carries raw terminal bytes; preview containers
	// do not.
	TTY bool
}

// Info holds information about a container.
type Info struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Status     string // Human-readable status
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
	Health     string
	Labels     map[string]string
}

// Running reports whether the container is currently running.
func (i *Info) Running() bool {
	return i != nil && i.State == "running"
}

// ExecResult holds the outcome of a one-shot command inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// AttachStream carries the interactive I/O of an attached container.
type AttachStream struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	closer func() error
}

// NewAttachStream builds an AttachStream with a close hook.
func NewAttachStream(stdin io.WriteCloser, stdout io.Reader, closer func() error) *AttachStream {
	return &AttachStream{Stdin: stdin, Stdout: stdout, closer: closer}
}

// Close releases the attached streams.
func (a *AttachStream) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	if a.closer != nil {
		return a.closer()
	}
	return nil
}

// Engine is the container runtime the orchestration layer drives. The Docker
// implementation lives in the docker subpackage; tests substitute fakes.
type Engine interface {
	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error

	// EnsureImage makes sure an image is present locally, pulling it if
	// needed.
	EnsureImage(ctx context.Context, image string) error

	// CreateContainer creates a container and returns its ID.
	CreateContainer(ctx context.Context, spec Spec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a container, giving it timeout to exit cleanly.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// RemoveContainer removes a container. force removes running containers.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// InspectContainer returns the current state of a container.
	InspectContainer(ctx context.Context, containerID string) (*Info, error)

	// ListContainers lists containers matching all given labels.
	ListContainers(ctx context.Context, labels map[string]string) ([]Info, error)

	// ContainerLogs streams container output.
	ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error)

	// ExecContainer runs a command inside a running container and waits
	// for it to finish.
	ExecContainer(ctx context.Context, containerID string, cmd []string) (*ExecResult, error)

	// AttachContainer attaches to a running container's terminal.
	AttachContainer(ctx context.Context, containerID string) (*AttachStream, error)

	// ResizeContainer resizes the container's TTY.
	ResizeContainer(ctx context.Context, containerID string, cols, rows uint16) error
}
