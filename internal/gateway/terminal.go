package gateway

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Binary frame markers on the client-to-server side of the terminal socket.
// Server-to-client frames carry raw session output with no marker.
const (
	inputFrameByte  = 0x00
	resizeFrameByte = 0x01
)

// resizeFrameLen is marker + cols + rows, each dimension a big-endian uint16.
const resizeFrameLen = 5

// terminalUpgrader is the WebSocket upgrader for terminal connections.
// Uses larger buffers for better TUI performance.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header for WebSocket connections.
// This prevents cross-site WebSocket hijacking attacks.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header, could be a non-browser client.
		return true
	}

	// Allow localhost origins for development.
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	// Otherwise the Origin host must match the Host header.
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	originHost := originURL.Hostname()
	requestHost := host
	if colonIdx := strings.LastIndex(requestHost, ":"); colonIdx != -1 {
		// Strip the port, careful with IPv6 bracket notation.
		if !strings.Contains(requestHost, "]") || colonIdx > strings.Index(requestHost, "]") {
			requestHost = requestHost[:colonIdx]
		}
	}

	return originHost == requestHost
}

// wsWriter serializes binary frame writes to a WebSocket connection so the
// scrollback replay and the output pump never interleave mid-frame.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newWSWriter(conn *gorillaws.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, io.ErrClosedPipe
	}

	if err := w.conn.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// handleTerminalWS serves /ws/agents/:id/terminal. It replays the session's
// ring scrollback, then bridges raw I/O between the socket and the agent's
// execution session until either side goes away.
func (s *Server) handleTerminalWS(c *gin.Context) {
	agentID := c.Param("id")

	if _, err := s.agents.GetAgent(c.Request.Context(), agentID); err != nil {
		respondError(c, s.logger, err)
		return
	}

	session, ok := s.agents.AttachOutput(agentID)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent session not available"})
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade to WebSocket",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	s.logger.Info("terminal WebSocket connected",
		zap.String("agent_id", agentID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	wsw := newWSWriter(conn)

	// Subscribe before replaying so output arriving mid-attach is never lost.
	subID, outputCh := session.Subscribe()

	defer func() {
		session.Unsubscribe(subID)
		_ = wsw.Close()
		_ = conn.Close()
		s.logger.Info("terminal WebSocket disconnected", zap.String("agent_id", agentID))
	}()

	if snapshot := session.OutputSnapshot(); len(snapshot) > 0 {
		if _, err := wsw.Write(snapshot); err != nil {
			s.logger.Debug("scrollback replay failed",
				zap.String("agent_id", agentID),
				zap.Error(err))
			return
		}
	}

	// Output pump: session chunks become binary frames. The channel closes
	// when the session finishes or this handler unsubscribes; a close frame
	// lets the client tell agent exit apart from a dropped connection.
	go func() {
		for chunk := range outputCh {
			if _, err := wsw.Write(chunk); err != nil {
				return
			}
		}
		deadline := time.Now().Add(time.Second)
		msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "session finished")
		_ = conn.WriteControl(gorillaws.CloseMessage, msg, deadline)
		_ = conn.Close()
	}()

	s.runTerminalReadLoop(conn, agentID)
}

// runTerminalReadLoop consumes client frames until the connection closes.
func (s *Server) runTerminalReadLoop(conn *gorillaws.Conn, agentID string) {
	// The socket outlives the upgrade request, so input and resize calls
	// carry their own context.
	ctx := context.Background()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				s.logger.Debug("WebSocket read error",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
			return
		}

		if messageType != gorillaws.BinaryMessage && messageType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case inputFrameByte:
			if len(data) == 1 {
				continue
			}
			if err := s.agents.SendInput(ctx, agentID, data[1:]); err != nil {
				s.logger.Debug("terminal input rejected",
					zap.String("agent_id", agentID),
					zap.Error(err))
			}

		case resizeFrameByte:
			if len(data) < resizeFrameLen {
				continue
			}
			cols := binary.BigEndian.Uint16(data[1:3])
			rows := binary.BigEndian.Uint16(data[3:5])
			if cols == 0 || rows == 0 {
				continue
			}
			if err := s.agents.ResizeAgent(ctx, agentID, cols, rows); err != nil {
				s.logger.Debug("terminal resize rejected",
					zap.String("agent_id", agentID),
					zap.Uint16("cols", cols),
					zap.Uint16("rows", rows),
					zap.Error(err))
			}

		default:
			s.logger.Debug("unknown terminal frame marker",
				zap.String("agent_id", agentID),
				zap.Uint8("marker", data[0]))
		}
	}
}
