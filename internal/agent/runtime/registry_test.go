package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/agent"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
)

type stubDriver struct {
	kind agent.Isolation
}

func (d *stubDriver) Kind() agent.Isolation { return d.kind }

func (d *stubDriver) Spawn(context.Context, SpawnOptions) (*Session, error) { return nil, nil }

func (d *stubDriver) SendInput(string, []byte) error { return nil }

func (d *stubDriver) Resize(string, uint16, uint16) error { return nil }

func (d *stubDriver) Disconnect(context.Context, string) error { return nil }

func TestRegistry_DriverFor(t *testing.T) {
	registry := NewRegistry()

	local := &stubDriver{kind: agent.IsolationNone}
	tmux := &stubDriver{kind: agent.IsolationTmux}
	docker := &stubDriver{kind: agent.IsolationDocker}

	registry.Register(agent.LocationLocal, agent.IsolationNone, local)
	registry.Register(agent.LocationLocal, agent.IsolationTmux, tmux)
	registry.Register(agent.LocationLocal, agent.IsolationDocker, docker)

	t.Run("resolves registered combinations", func(t *testing.T) {
		got, err := registry.DriverFor(agent.LocationLocal, agent.IsolationNone)
		require.NoError(t, err)
		assert.Same(t, Driver(local), got)

		got, err = registry.DriverFor(agent.LocationLocal, agent.IsolationTmux)
		require.NoError(t, err)
		assert.Same(t, Driver(tmux), got)

		got, err = registry.DriverFor(agent.LocationLocal, agent.IsolationDocker)
		require.NoError(t, err)
		assert.Same(t, Driver(docker), got)
	})

	t.Run("rejects unknown combinations", func(t *testing.T) {
		_, err := registry.DriverFor(agent.LocationRemote, agent.IsolationNone)
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
		assert.Contains(t, err.Error(), "no execution driver")
	})

	t.Run("later registration replaces earlier", func(t *testing.T) {
		replacement := &stubDriver{kind: agent.IsolationNone}
		registry.Register(agent.LocationLocal, agent.IsolationNone, replacement)

		got, err := registry.DriverFor(agent.LocationLocal, agent.IsolationNone)
		require.NoError(t, err)
		assert.Same(t, Driver(replacement), got)
	})
}
