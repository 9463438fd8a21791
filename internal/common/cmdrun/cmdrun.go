// Package cmdrun provides bounded external command execution. Every shell-level
// operation the orchestrator performs (git clone, tmux control) goes through a
// Runner so callers get captured output, an exit code, and an enforced timeout.
package cmdrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
)

// Spec describes one command invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Timeout time.Duration
}

// Result carries the outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes commands. Implementations must honour the context and the
// per-spec timeout; a timed-out command is killed, never left hanging.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	log *logger.Logger
}

// NewExecRunner creates a Runner backed by os/exec.
func NewExecRunner(log *logger.Logger) *ExecRunner {
	return &ExecRunner{log: log.WithFields(zap.String("component", "cmdrun"))}
}

// Run executes the command and captures stdout/stderr separately. The returned
// Result is populated even when the command fails so callers can attach stderr
// to their error messages.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(cmd, err),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		r.log.Warn("command timed out",
			zap.String("command", spec.Name),
			zap.Strings("args", spec.Args),
			zap.Duration("timeout", spec.Timeout))
		return res, fmt.Errorf("%s timed out after %s: %w", spec.Name, spec.Timeout, context.DeadlineExceeded)
	}
	if err != nil {
		return res, fmt.Errorf("%s failed (exit %d): %w", spec.Name, res.ExitCode, err)
	}
	return res, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
