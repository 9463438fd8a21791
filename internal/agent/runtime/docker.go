package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/container"
)

// dockerSession pairs the shared session plumbing with an attached container.
type dockerSession struct {
	session *Session
	stream  *container.AttachStream
}

// DockerDriver runs each agent's session inside a dedicated container with the
// team's workspace mounted in. The container id is the session handle persisted
// for later inspection, exec, and log retrieval.
type DockerDriver struct {
	cfg    Config
	engine container.Engine
	log    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*dockerSession
}

// NewDockerDriver creates the container-isolated session driver.
func NewDockerDriver(cfg Config, engine container.Engine, log *logger.Logger) *DockerDriver {
	return &DockerDriver{
		cfg:      cfg.withDefaults(),
		engine:   engine,
		log:      log.WithFields(zap.String("component", "runtime-docker")),
		sessions: make(map[string]*dockerSession),
	}
}

// Kind implements Driver.
func (d *DockerDriver) Kind() agent.Isolation { return agent.IsolationDocker }

// Spawn creates and starts the agent's container, then attaches to its TTY.
func (d *DockerDriver) Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	if err := d.engine.EnsureImage(ctx, d.cfg.Image); err != nil {
		return nil, fmt.Errorf("ensure agent image: %w", err)
	}

	command := opts.Command
	if command == "" {
		command = d.cfg.DefaultCommand
	}

	spec := container.Spec{
		Name:       "crewdock-agent-" + opts.AgentID,
		Image:      d.cfg.Image,
		Cmd:        append([]string{command}, opts.Args...),
		Env:        append([]string{"TERM=xterm-256color"}, opts.Env...),
		WorkingDir: "/workspace",
		TTY:        true,
		Labels: map[string]string{
			container.LabelManaged: "true",
			container.LabelTeamID:  opts.TeamID,
			container.LabelAgentID: opts.AgentID,
			container.LabelRole:    container.RoleAgent,
		},
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Join(d.cfg.WorkspaceRoot, opts.AgentID)
	}
	spec.Mounts = []container.Mount{{Source: workDir, Target: "/workspace"}}

	id, err := d.engine.CreateContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create agent container: %w", err)
	}
	if err := d.engine.StartContainer(ctx, id); err != nil {
		_ = d.engine.RemoveContainer(ctx, id, true)
		return nil, fmt.Errorf("start agent container: %w", err)
	}

	stream, err := d.engine.AttachContainer(ctx, id)
	if err != nil {
		_ = d.engine.StopContainer(ctx, id, d.cfg.StopTimeout)
		_ = d.engine.RemoveContainer(ctx, id, true)
		return nil, fmt.Errorf("attach agent container: %w", err)
	}

	session := NewSession(opts.AgentID, id, d.cfg, d.log)
	session.AttachBackend(stream.Stdin, func(cols, rows uint16) error {
		return d.engine.ResizeContainer(context.Background(), id, cols, rows)
	})

	ds := &dockerSession{session: session, stream: stream}
	d.mu.Lock()
	d.sessions[id] = ds
	d.mu.Unlock()

	go d.readLoop(ds)

	if opts.InitialCols > 0 && opts.InitialRows > 0 {
		_ = session.Resize(opts.InitialCols, opts.InitialRows)
	}

	d.log.Info("docker session spawned",
		zap.String("agent_id", opts.AgentID),
		zap.String("container_id", id),
		zap.String("image", d.cfg.Image))
	return session, nil
}

func (d *DockerDriver) readLoop(ds *dockerSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ds.stream.Stdout.Read(buf)
		if n > 0 {
			ds.session.HandleOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}

	d.mu.Lock()
	delete(d.sessions, ds.session.Handle())
	d.mu.Unlock()

	ds.session.Finish(d.exitError(ds.session.Handle()))
	d.log.Info("docker session ended",
		zap.String("agent_id", ds.session.AgentID()),
		zap.String("container_id", ds.session.Handle()))
}

// exitError inspects the stopped container and converts a non-zero exit code
// into an error for the session's terminal state.
func (d *DockerDriver) exitError(containerID string) error {
	info, err := d.engine.InspectContainer(context.Background(), containerID)
	if err != nil || info == nil || info.Running() {
		return nil
	}
	if info.ExitCode != 0 {
		return fmt.Errorf("container exited with code %d", info.ExitCode)
	}
	return nil
}

// SendInput implements Driver.
func (d *DockerDriver) SendInput(handle string, data []byte) error {
	ds, err := d.get(handle)
	if err != nil {
		return err
	}
	return ds.session.SendInput(data)
}

// Resize implements Driver.
func (d *DockerDriver) Resize(handle string, cols, rows uint16) error {
	ds, err := d.get(handle)
	if err != nil {
		return err
	}
	return ds.session.Resize(cols, rows)
}

// Disconnect implements Driver: stops and removes the container.
func (d *DockerDriver) Disconnect(ctx context.Context, handle string) error {
	d.mu.Lock()
	ds, ok := d.sessions[handle]
	d.mu.Unlock()

	if ok {
		ds.session.Finish(nil)
		_ = ds.stream.Close()
	}

	if err := d.engine.StopContainer(ctx, handle, d.cfg.StopTimeout); err != nil {
		d.log.Debug("stop agent container", zap.String("container_id", handle), zap.Error(err))
	}
	if err := d.engine.RemoveContainer(ctx, handle, true); err != nil {
		return fmt.Errorf("remove agent container: %w", err)
	}
	return nil
}

// Logs returns the container's recent log output for inspection.
func (d *DockerDriver) Logs(ctx context.Context, handle string, tail string) ([]byte, error) {
	rc, err := d.engine.ContainerLogs(ctx, handle, false, tail)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, readErr := rc.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if readErr != nil {
			break
		}
	}
	return buf, nil
}

func (d *DockerDriver) get(handle string) (*dockerSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("no docker session for handle %s", handle)
	}
	return ds, nil
}
