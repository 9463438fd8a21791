package runtime

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent"
	"github.com/crewdock/crewdock/internal/common/cmdrun"
	"github.com/crewdock/crewdock/internal/common/logger"
)

// TmuxSessionName returns the deterministic multiplexer session name for an
// agent, so a later spawn can find and re-attach to the running session.
func TmuxSessionName(agentID string) string {
	return "crewdock-agent-" + agentID
}

// tmuxCommandTimeout bounds every tmux control command.
const tmuxCommandTimeout = 10 * time.Second

// Tmux drives the tmux binary through the command runner.
type Tmux struct {
	runner cmdrun.Runner
	log    *logger.Logger
}

// NewTmux creates the tmux control wrapper.
func NewTmux(runner cmdrun.Runner, log *logger.Logger) *Tmux {
	return &Tmux{
		runner: runner,
		log:    log.WithFields(zap.String("component", "tmux")),
	}
}

func (t *Tmux) run(ctx context.Context, args ...string) (cmdrun.Result, error) {
	return t.runner.Run(ctx, cmdrun.Spec{
		Name:    "tmux",
		Args:    args,
		Timeout: tmuxCommandTimeout,
	})
}

// HasSession reports whether a session with the given name is running.
func (t *Tmux) HasSession(ctx context.Context, name string) bool {
	res, err := t.run(ctx, "has-session", "-t", name)
	return err == nil && res.ExitCode == 0
}

// NewSession creates a detached session running the given command.
func (t *Tmux) NewSession(ctx context.Context, name, dir string, command []string, cols, rows uint16, env []string) error {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	args := []string{"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows))}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, command...)

	res, err := t.run(ctx, args...)
	if err != nil {
		return fmt.Errorf("tmux new-session %s: %w (stderr: %s)", name, err, res.Stderr)
	}
	return nil
}

// KillSession destroys a session. Missing sessions are not an error.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	res, err := t.run(ctx, "kill-session", "-t", name)
	if err != nil && res.ExitCode != 1 {
		return fmt.Errorf("tmux kill-session %s: %w (stderr: %s)", name, err, res.Stderr)
	}
	return nil
}

// SendKeys injects literal input into a session without an attached client.
func (t *Tmux) SendKeys(ctx context.Context, name string, keys string) error {
	res, err := t.run(ctx, "send-keys", "-t", name, "-l", keys)
	if err != nil {
		return fmt.Errorf("tmux send-keys %s: %w (stderr: %s)", name, err, res.Stderr)
	}
	return nil
}

// ResizeWindow forces a session's window geometry while detached.
func (t *Tmux) ResizeWindow(ctx context.Context, name string, cols, rows uint16) error {
	res, err := t.run(ctx, "resize-window", "-t", name,
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows)))
	if err != nil {
		return fmt.Errorf("tmux resize-window %s: %w (stderr: %s)", name, err, res.Stderr)
	}
	return nil
}

// CapturePane returns the last lines of a session's pane content, including
// scrollback, without attaching a client.
func (t *Tmux) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	res, err := t.run(ctx, "capture-pane", "-p", "-t", name,
		"-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w (stderr: %s)", name, err, res.Stderr)
	}
	return res.Stdout, nil
}

// tmuxSession pairs the shared session plumbing with an attach client.
type tmuxSession struct {
	session *Session
	pty     *ptyHandle
	cmd     *exec.Cmd
}

// TmuxDriver wraps agent processes in detachable tmux sessions named after the
// agent, so a client can disconnect and a later spawn re-attaches to the same
// running program.
type TmuxDriver struct {
	cfg  Config
	tmux *Tmux
	log  *logger.Logger

	mu       sync.Mutex
	attached map[string]*tmuxSession
}

// NewTmuxDriver creates the persistent multiplexed session driver.
func NewTmuxDriver(cfg Config, tmux *Tmux, log *logger.Logger) *TmuxDriver {
	return &TmuxDriver{
		cfg:      cfg.withDefaults(),
		tmux:     tmux,
		log:      log.WithFields(zap.String("component", "runtime-tmux")),
		attached: make(map[string]*tmuxSession),
	}
}

// Kind implements Driver.
func (d *TmuxDriver) Kind() agent.Isolation { return agent.IsolationTmux }

// Spawn creates the tmux session if it does not exist, then attaches to it.
// Spawning for an agent whose session is still running re-attaches without
// restarting the program.
func (d *TmuxDriver) Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	name := TmuxSessionName(opts.AgentID)

	d.mu.Lock()
	if existing, ok := d.attached[name]; ok {
		d.mu.Unlock()
		return existing.session, nil
	}
	d.mu.Unlock()

	reattach := d.tmux.HasSession(ctx, name)
	if !reattach {
		command := opts.Command
		if command == "" {
			command = d.cfg.DefaultCommand
		}
		cmdline := append([]string{command}, opts.Args...)
		if err := d.tmux.NewSession(ctx, name, opts.WorkDir, cmdline, opts.InitialCols, opts.InitialRows, opts.Env); err != nil {
			return nil, err
		}
	}

	attach := exec.Command("tmux", "attach-session", "-t", name)
	handleFile, err := startPTY(attach, opts.InitialCols, opts.InitialRows)
	if err != nil {
		if !reattach {
			_ = d.tmux.KillSession(ctx, name)
		}
		return nil, fmt.Errorf("attach tmux session %s: %w", name, err)
	}

	session := NewSession(opts.AgentID, name, d.cfg, d.log)
	session.AttachBackend(handleFile, handleFile.Resize)
	if reattach {
		// The program behind the session is already running; skip the
		// warm-up and readiness dance.
		session.MarkReady()
	}

	ts := &tmuxSession{session: session, pty: handleFile, cmd: attach}
	d.mu.Lock()
	d.attached[name] = ts
	d.mu.Unlock()

	go d.readLoop(ts)

	d.log.Info("tmux session attached",
		zap.String("agent_id", opts.AgentID),
		zap.String("session_name", name),
		zap.Bool("reattached", reattach))
	return session, nil
}

func (d *TmuxDriver) readLoop(ts *tmuxSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ts.pty.Read(buf)
		if n > 0 {
			ts.session.HandleOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}

	_ = ts.cmd.Wait()
	d.mu.Lock()
	delete(d.attached, ts.session.Handle())
	d.mu.Unlock()

	// The attach client exiting does not mean the program died; the tmux
	// session may still be running detached.
	ts.session.Finish(nil)
	d.log.Info("tmux attach client ended", zap.String("agent_id", ts.session.AgentID()))
}

// SendInput implements Driver. When no attach client is connected the input
// is injected through tmux itself so queued messages still reach a detached
// session.
func (d *TmuxDriver) SendInput(handle string, data []byte) error {
	d.mu.Lock()
	ts, ok := d.attached[handle]
	d.mu.Unlock()
	if ok {
		return ts.session.SendInput(data)
	}
	return d.tmux.SendKeys(context.Background(), handle, string(data))
}

// Resize implements Driver. Detached sessions are resized through tmux.
func (d *TmuxDriver) Resize(handle string, cols, rows uint16) error {
	d.mu.Lock()
	ts, ok := d.attached[handle]
	d.mu.Unlock()
	if ok {
		return ts.session.Resize(cols, rows)
	}
	return d.tmux.ResizeWindow(context.Background(), handle, cols, rows)
}

// Disconnect implements Driver. Only the attach client is killed; the tmux
// session and the program inside it keep running.
func (d *TmuxDriver) Disconnect(ctx context.Context, handle string) error {
	d.mu.Lock()
	ts, ok := d.attached[handle]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	ts.session.Finish(nil)
	if ts.cmd.Process != nil {
		_ = ts.cmd.Process.Kill()
	}
	_ = ts.pty.Close()
	return nil
}

// IsSessionPersistent implements PersistentDriver.
func (d *TmuxDriver) IsSessionPersistent(handle string) bool {
	return d.tmux.HasSession(context.Background(), handle)
}

// Logs implements LogRetriever by capturing the pane content of the detached
// session, so output stays readable before any client re-attaches.
func (d *TmuxDriver) Logs(ctx context.Context, handle string, tail string) ([]byte, error) {
	lines, err := strconv.Atoi(tail)
	if err != nil || lines <= 0 {
		lines = 1000
	}
	out, err := d.tmux.CapturePane(ctx, handle, lines)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// Destroy implements PersistentDriver: detach and kill the tmux session.
func (d *TmuxDriver) Destroy(ctx context.Context, handle string) error {
	if err := d.Disconnect(ctx, handle); err != nil {
		return err
	}
	return d.tmux.KillSession(ctx, handle)
}
