package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/common/cmdrun"
)

type runnerResponse struct {
	res cmdrun.Result
	err error
}

// fakeRunner records every command and replays scripted responses keyed by
// the tmux subcommand.
type fakeRunner struct {
	mu        sync.Mutex
	specs     []cmdrun.Spec
	responses map[string][]runnerResponse
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string][]runnerResponse)}
}

func (f *fakeRunner) script(subcommand string, res cmdrun.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[subcommand] = append(f.responses[subcommand], runnerResponse{res: res, err: err})
}

func (f *fakeRunner) Run(_ context.Context, spec cmdrun.Spec) (cmdrun.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)

	if len(spec.Args) > 0 {
		if queue := f.responses[spec.Args[0]]; len(queue) > 0 {
			next := queue[0]
			f.responses[spec.Args[0]] = queue[1:]
			return next.res, next.err
		}
	}
	return cmdrun.Result{ExitCode: 0}, nil
}

func (f *fakeRunner) recorded() []cmdrun.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cmdrun.Spec(nil), f.specs...)
}

func (f *fakeRunner) lastArgs(t *testing.T) []string {
	t.Helper()
	specs := f.recorded()
	require.NotEmpty(t, specs)
	return specs[len(specs)-1].Args
}

func setupTmux(t *testing.T) (*Tmux, *fakeRunner) {
	runner := newFakeRunner()
	return NewTmux(runner, newTestLogger(t)), runner
}

func TestTmuxSessionName(t *testing.T) {
	assert.Equal(t, "crewdock-agent-agent-42", TmuxSessionName("agent-42"))
}

func TestTmux_NewSession(t *testing.T) {
	t.Run("builds the full command line", func(t *testing.T) {
		tmux, runner := setupTmux(t)

		err := tmux.NewSession(context.Background(), "crewdock-agent-a1", "/srv/work",
			[]string{"bash", "-l"}, 120, 40, []string{"FOO=bar", "BAZ=qux"})
		require.NoError(t, err)

		specs := runner.recorded()
		require.Len(t, specs, 1)
		assert.Equal(t, "tmux", specs[0].Name)
		assert.Equal(t, tmuxCommandTimeout, specs[0].Timeout)
		assert.Equal(t, []string{
			"new-session", "-d", "-s", "crewdock-agent-a1",
			"-x", "120", "-y", "40",
			"-c", "/srv/work",
			"-e", "FOO=bar", "-e", "BAZ=qux",
			"bash", "-l",
		}, specs[0].Args)
	})

	t.Run("defaults geometry and skips empty dir", func(t *testing.T) {
		tmux, runner := setupTmux(t)

		err := tmux.NewSession(context.Background(), "crewdock-agent-a2", "", []string{"bash"}, 0, 0, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{
			"new-session", "-d", "-s", "crewdock-agent-a2",
			"-x", "80", "-y", "24",
			"bash",
		}, runner.lastArgs(t))
	})

	t.Run("surfaces stderr on failure", func(t *testing.T) {
		tmux, runner := setupTmux(t)
		runner.script("new-session", cmdrun.Result{ExitCode: 1, Stderr: "duplicate session"}, errors.New("exit status 1"))

		err := tmux.NewSession(context.Background(), "crewdock-agent-a3", "", []string{"bash"}, 0, 0, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate session")
	})
}

func TestTmux_HasSession(t *testing.T) {
	tmux, runner := setupTmux(t)

	assert.True(t, tmux.HasSession(context.Background(), "crewdock-agent-a1"))
	assert.Equal(t, []string{"has-session", "-t", "crewdock-agent-a1"}, runner.lastArgs(t))

	runner.script("has-session", cmdrun.Result{ExitCode: 1}, errors.New("exit status 1"))
	assert.False(t, tmux.HasSession(context.Background(), "crewdock-agent-gone"))
}

func TestTmux_KillSession(t *testing.T) {
	t.Run("tolerates a missing session", func(t *testing.T) {
		tmux, runner := setupTmux(t)
		runner.script("kill-session", cmdrun.Result{ExitCode: 1, Stderr: "no such session"}, errors.New("exit status 1"))

		assert.NoError(t, tmux.KillSession(context.Background(), "crewdock-agent-gone"))
	})

	t.Run("reports other failures", func(t *testing.T) {
		tmux, runner := setupTmux(t)
		runner.script("kill-session", cmdrun.Result{ExitCode: 2, Stderr: "server broken"}, errors.New("exit status 2"))

		err := tmux.KillSession(context.Background(), "crewdock-agent-a1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server broken")
	})
}

func TestTmux_SendKeysLiteral(t *testing.T) {
	tmux, runner := setupTmux(t)

	require.NoError(t, tmux.SendKeys(context.Background(), "crewdock-agent-a1", "run tests\n"))
	assert.Equal(t, []string{"send-keys", "-t", "crewdock-agent-a1", "-l", "run tests\n"}, runner.lastArgs(t))
}

func TestTmux_ResizeWindow(t *testing.T) {
	tmux, runner := setupTmux(t)

	require.NoError(t, tmux.ResizeWindow(context.Background(), "crewdock-agent-a1", 132, 43))
	assert.Equal(t, []string{"resize-window", "-t", "crewdock-agent-a1", "-x", "132", "-y", "43"}, runner.lastArgs(t))
}

func TestTmux_CapturePane(t *testing.T) {
	tmux, runner := setupTmux(t)
	runner.script("capture-pane", cmdrun.Result{Stdout: "$ make test\nok\n"}, nil)

	out, err := tmux.CapturePane(context.Background(), "crewdock-agent-a1", 500)
	require.NoError(t, err)
	assert.Equal(t, "$ make test\nok\n", out)
	assert.Equal(t, []string{"capture-pane", "-p", "-t", "crewdock-agent-a1", "-S", "-500"}, runner.lastArgs(t))
}

func TestTmuxDriver_DetachedFallbacks(t *testing.T) {
	runner := newFakeRunner()
	tmux := NewTmux(runner, newTestLogger(t))
	driver := NewTmuxDriver(Config{}, tmux, newTestLogger(t))

	name := TmuxSessionName("a1")

	t.Run("input goes through send-keys when no client is attached", func(t *testing.T) {
		require.NoError(t, driver.SendInput(name, []byte("hello\n")))
		assert.Equal(t, []string{"send-keys", "-t", name, "-l", "hello\n"}, runner.lastArgs(t))
	})

	t.Run("resize goes through resize-window when no client is attached", func(t *testing.T) {
		require.NoError(t, driver.Resize(name, 100, 30))
		assert.Equal(t, []string{"resize-window", "-t", name, "-x", "100", "-y", "30"}, runner.lastArgs(t))
	})

	t.Run("disconnect without an attached client is a no-op", func(t *testing.T) {
		before := len(runner.recorded())
		require.NoError(t, driver.Disconnect(context.Background(), name))
		assert.Len(t, runner.recorded(), before)
	})

	t.Run("persistence check asks tmux", func(t *testing.T) {
		assert.True(t, driver.IsSessionPersistent(name))

		runner.script("has-session", cmdrun.Result{ExitCode: 1}, errors.New("exit status 1"))
		assert.False(t, driver.IsSessionPersistent(name))
	})

	t.Run("logs capture the detached pane", func(t *testing.T) {
		runner.script("capture-pane", cmdrun.Result{Stdout: "banner\n"}, nil)

		out, err := driver.Logs(context.Background(), name, "200")
		require.NoError(t, err)
		assert.Equal(t, "banner\n", string(out))
		assert.Equal(t, []string{"capture-pane", "-p", "-t", name, "-S", "-200"}, runner.lastArgs(t))
	})

	t.Run("logs default the line count for bad tails", func(t *testing.T) {
		_, err := driver.Logs(context.Background(), name, "all")
		require.NoError(t, err)
		assert.Equal(t, []string{"capture-pane", "-p", "-t", name, "-S", "-1000"}, runner.lastArgs(t))
	})
}
