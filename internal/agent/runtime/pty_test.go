package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/agent"
)

func setupLocalDriver(t *testing.T) *LocalDriver {
	return NewLocalDriver(Config{InputWarmup: noWarmup}, newTestLogger(t))
}

func waitForOutput(t *testing.T, session *Session, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(string(session.OutputSnapshot()), want)
	}, 5*time.Second, 20*time.Millisecond, "expected %q in session output", want)
}

func TestLocalDriver_Kind(t *testing.T) {
	assert.Equal(t, agent.IsolationNone, setupLocalDriver(t).Kind())
}

func TestLocalDriver_EchoAndInput(t *testing.T) {
	driver := setupLocalDriver(t)

	session, err := driver.Spawn(context.Background(), SpawnOptions{
		AgentID: "local-1",
		Command: "sh",
		Args:    []string{"-c", "echo hello-from-pty; exec cat"},
	})
	require.NoError(t, err)
	handle := session.Handle()
	t.Cleanup(func() { _ = driver.Disconnect(context.Background(), handle) })

	assert.Equal(t, "pty-local-1", handle)
	waitForOutput(t, session, "hello-from-pty")

	session.MarkReady()

	require.NoError(t, driver.SendInput(handle, []byte("ping\n")))
	waitForOutput(t, session, "ping")

	require.NoError(t, driver.Resize(handle, 100, 30))
}

func TestLocalDriver_SpawnIsIdempotent(t *testing.T) {
	driver := setupLocalDriver(t)

	opts := SpawnOptions{
		AgentID: "local-2",
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
	}
	first, err := driver.Spawn(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Disconnect(context.Background(), first.Handle()) })

	second, err := driver.Spawn(context.Background(), opts)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestLocalDriver_CleanExitCompletes(t *testing.T) {
	driver := setupLocalDriver(t)

	session, err := driver.Spawn(context.Background(), SpawnOptions{
		AgentID: "local-3",
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := session.State()
		return state == SessionCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLocalDriver_NonZeroExitBecomesError(t *testing.T) {
	driver := setupLocalDriver(t)

	session, err := driver.Spawn(context.Background(), SpawnOptions{
		AgentID: "local-4",
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := session.State()
		return state == SessionError
	}, 5*time.Second, 20*time.Millisecond)

	_, sessErr := session.State()
	require.Error(t, sessErr)
	assert.Contains(t, sessErr.Error(), "exit status 3")
}

func TestLocalDriver_DisconnectTearsDown(t *testing.T) {
	driver := setupLocalDriver(t)

	session, err := driver.Spawn(context.Background(), SpawnOptions{
		AgentID: "local-5",
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)
	handle := session.Handle()

	require.NoError(t, driver.Disconnect(context.Background(), handle))

	state, stateErr := session.State()
	assert.Equal(t, SessionCompleted, state, "explicit teardown reads as completed")
	assert.NoError(t, stateErr)

	assert.Error(t, driver.SendInput(handle, []byte("anyone there?")))
}

func TestLocalDriver_UnknownHandle(t *testing.T) {
	driver := setupLocalDriver(t)

	assert.Error(t, driver.SendInput("pty-ghost", []byte("x")))
	assert.Error(t, driver.Resize("pty-ghost", 80, 24))
	assert.NoError(t, driver.Disconnect(context.Background(), "pty-ghost"))
}
