package gateway

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckWebSocketOrigin(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		host   string
		want   bool
	}{
		{"no origin", "", "example.com", true},
		{"http localhost", "http://localhost", "localhost", true},
		{"http localhost with port", "http://localhost:3000", "localhost:8080", true},
		{"https localhost", "https://localhost", "localhost", true},
		{"loopback ip", "http://127.0.0.1:3000", "127.0.0.1:8080", true},
		{"same origin", "https://example.com", "example.com", true},
		{"same origin with port", "https://example.com:443", "example.com:8080", true},
		{"cross origin", "https://evil.com", "example.com", false},
		{"cross origin similar", "https://notexample.com", "example.com", false},
		{"malformed origin", "not-a-url", "example.com", false},
		{"ipv6 cross origin", "http://[::1]:3000", "example.com:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{
				Header: http.Header{},
				Host:   tt.host,
				URL:    &url.URL{Host: tt.host},
			}
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			if got := checkWebSocketOrigin(r); got != tt.want {
				t.Errorf("checkWebSocketOrigin(origin=%q, host=%q) = %v, want %v",
					tt.origin, tt.host, got, tt.want)
			}
		})
	}
}

// dialTerminal spawns an agent, starts a real HTTP server around the router,
// and opens the agent's terminal socket.
func dialTerminal(t *testing.T, f *gatewayFixture, teamID string) (*gorillaws.Conn, string, string) {
	t.Helper()

	rec := f.spawnAgent(t, teamID)
	agentID := rec["id"].(string)
	handle := rec["session_handle"].(string)

	srv := httptest.NewServer(f.server.Router())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/" + agentID + "/terminal"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn, agentID, handle
}

func TestTerminalWS_ReplaysScrollbackAndStreams(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-ws")
	agentID := rec["id"].(string)

	session, ok := f.svc.AttachOutput(agentID)
	require.True(t, ok)
	session.HandleOutput([]byte("boot log\r\n"))

	srv := httptest.NewServer(f.server.Router())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/" + agentID + "/terminal"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorillaws.BinaryMessage, msgType)
	assert.Contains(t, string(frame), "boot log")

	session.HandleOutput([]byte("$ "))
	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "$ ", string(frame))
}

func TestTerminalWS_InputAndResizeFrames(t *testing.T) {
	f := setupGateway(t)
	conn, _, handle := dialTerminal(t, f, "team-ws-io")
	backend := f.driver.backend(handle)

	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage,
		append([]byte{inputFrameByte}, []byte("ls\r")...)))
	require.Eventually(t, func() bool {
		return backend.input() == "ls\r"
	}, 2*time.Second, 10*time.Millisecond)

	frame := make([]byte, resizeFrameLen)
	frame[0] = resizeFrameByte
	binary.BigEndian.PutUint16(frame[1:3], 120)
	binary.BigEndian.PutUint16(frame[3:5], 40)
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, frame))
	require.Eventually(t, func() bool {
		for _, call := range backend.resizeCalls() {
			if call == [2]uint16{120, 40} {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Truncated and zero-dimension resize frames are dropped, not fatal.
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, []byte{resizeFrameByte, 0}))
	zero := make([]byte, resizeFrameLen)
	zero[0] = resizeFrameByte
	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage, zero))

	require.NoError(t, conn.WriteMessage(gorillaws.BinaryMessage,
		append([]byte{inputFrameByte}, []byte("pwd\r")...)))
	require.Eventually(t, func() bool {
		return backend.input() == "ls\rpwd\r"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, backend.resizeCalls(), 1)
}

func TestTerminalWS_ClosesWhenSessionFinishes(t *testing.T) {
	f := setupGateway(t)
	conn, agentID, _ := dialTerminal(t, f, "team-ws-end")

	session, ok := f.svc.AttachOutput(agentID)
	require.True(t, ok)
	session.Finish(nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure),
		"expected a normal close, got: %v", err)
}

func TestTerminalWS_UnknownAgent(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodGet, "/ws/agents/ghost/terminal", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestTerminalWS_StoppedAgentAttach(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-ws-gone")
	agentID := rec["id"].(string)

	// A stopped agent keeps its finished session for post-mortem output, so
	// attaching still succeeds. The stream is already closed, so the bridge
	// hands back a normal close right away.
	require.NoError(t, f.svc.StopAgent(context.Background(), agentID))

	srv := httptest.NewServer(f.server.Router())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/" + agentID + "/terminal"
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure))
}
