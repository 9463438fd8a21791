package container

import (
	"context"
	"io"
	"time"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
)

// DisabledEngine satisfies Engine while the container runtime is switched off
// in configuration. Every call fails with ENGINE_UNAVAILABLE, so previews and
// docker-isolated agents are rejected per request instead of at startup.
type DisabledEngine struct {
	err error
}

var _ Engine = (*DisabledEngine)(nil)

// NewDisabledEngine returns an Engine whose every method fails with the
// given reason.
func NewDisabledEngine(reason error) *DisabledEngine {
	return &DisabledEngine{err: apperrors.EngineUnavailable(reason)}
}

func (e *DisabledEngine) Ping(ctx context.Context) error { return e.err }

func (e *DisabledEngine) EnsureImage(ctx context.Context, image string) error { return e.err }

func (e *DisabledEngine) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	return "", e.err
}

func (e *DisabledEngine) StartContainer(ctx context.Context, containerID string) error {
	return e.err
}

func (e *DisabledEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	return e.err
}

func (e *DisabledEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	return e.err
}

func (e *DisabledEngine) InspectContainer(ctx context.Context, containerID string) (*Info, error) {
	return nil, e.err
}

func (e *DisabledEngine) ListContainers(ctx context.Context, labels map[string]string) ([]Info, error) {
	return nil, e.err
}

func (e *DisabledEngine) ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	return nil, e.err
}

func (e *DisabledEngine) ExecContainer(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	return nil, e.err
}

func (e *DisabledEngine) AttachContainer(ctx context.Context, containerID string) (*AttachStream, error) {
	return nil, e.err
}

func (e *DisabledEngine) ResizeContainer(ctx context.Context, containerID string, cols, rows uint16) error {
	return e.err
}
