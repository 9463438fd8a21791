package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent"
	"github.com/crewdock/crewdock/internal/common/logger"
)

// ptyHandle wraps a PTY master file descriptor.
type ptyHandle struct {
	f *os.File
}

func (p *ptyHandle) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyHandle) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *ptyHandle) Close() error                { return p.f.Close() }

func (p *ptyHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

// startPTY starts the command in a PTY with the given dimensions.
func startPTY(cmd *exec.Cmd, cols, rows uint16) (*ptyHandle, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &ptyHandle{f: f}, nil
}

// localSession pairs the shared session plumbing with the OS process behind it.
type localSession struct {
	session *Session
	pty     *ptyHandle
	cmd     *exec.Cmd
}

// LocalDriver runs one OS process per agent in a raw pseudo-terminal. Output
// streams as unframed bytes; disconnecting tears the process down.
type LocalDriver struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	sessions map[string]*localSession
}

// NewLocalDriver creates the raw PTY driver.
func NewLocalDriver(cfg Config, log *logger.Logger) *LocalDriver {
	return &LocalDriver{
		cfg:      cfg.withDefaults(),
		log:      log.WithFields(zap.String("component", "runtime-local")),
		sessions: make(map[string]*localSession),
	}
}

// Kind implements Driver.
func (d *LocalDriver) Kind() agent.Isolation { return agent.IsolationNone }

// Spawn starts the agent's process under a fresh PTY.
func (d *LocalDriver) Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	handle := "pty-" + opts.AgentID

	d.mu.Lock()
	if existing, ok := d.sessions[handle]; ok {
		d.mu.Unlock()
		return existing.session, nil
	}
	d.mu.Unlock()

	command := opts.Command
	if command == "" {
		command = d.cfg.DefaultCommand
	}

	cmd := exec.Command(command, opts.Args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	handleFile, err := startPTY(cmd, opts.InitialCols, opts.InitialRows)
	if err != nil {
		return nil, fmt.Errorf("start pty for agent %s: %w", opts.AgentID, err)
	}

	session := NewSession(opts.AgentID, handle, d.cfg, d.log)
	session.AttachBackend(handleFile, handleFile.Resize)

	local := &localSession{session: session, pty: handleFile, cmd: cmd}
	d.mu.Lock()
	d.sessions[handle] = local
	d.mu.Unlock()

	go d.readLoop(local)

	d.log.Info("local session spawned",
		zap.String("agent_id", opts.AgentID),
		zap.String("command", command),
		zap.Int("pid", cmd.Process.Pid))
	return session, nil
}

// readLoop pumps PTY output into the session until the process exits.
func (d *LocalDriver) readLoop(local *localSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := local.pty.Read(buf)
		if n > 0 {
			local.session.HandleOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}

	waitErr := local.cmd.Wait()
	d.mu.Lock()
	delete(d.sessions, local.session.Handle())
	d.mu.Unlock()

	local.session.Finish(waitErr)
	d.log.Info("local session ended",
		zap.String("agent_id", local.session.AgentID()),
		zap.Error(waitErr))
}

// SendInput implements Driver.
func (d *LocalDriver) SendInput(handle string, data []byte) error {
	local, err := d.get(handle)
	if err != nil {
		return err
	}
	return local.session.SendInput(data)
}

// Resize implements Driver.
func (d *LocalDriver) Resize(handle string, cols, rows uint16) error {
	local, err := d.get(handle)
	if err != nil {
		return err
	}
	return local.session.Resize(cols, rows)
}

// Disconnect implements Driver. A raw PTY session has nothing to detach from,
// so disconnecting terminates the process. The session is finished first so an
// explicit teardown reads as completed rather than a crash.
func (d *LocalDriver) Disconnect(ctx context.Context, handle string) error {
	d.mu.Lock()
	local, ok := d.sessions[handle]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	local.session.Finish(nil)
	if local.cmd.Process != nil {
		_ = local.cmd.Process.Kill()
	}
	_ = local.pty.Close()
	return nil
}

func (d *LocalDriver) get(handle string) (*localSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	local, ok := d.sessions[handle]
	if !ok {
		return nil, fmt.Errorf("no local session for handle %s", handle)
	}
	return local, nil
}
