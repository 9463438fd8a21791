package runtime

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/logger"
)

// SessionState tracks the coarse lifecycle of one execution session.
type SessionState string

const (
	SessionStarting  SessionState = "starting"
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionError     SessionState = "error"
)

// ClearSequence is the control sequence a client sends to clear the terminal.
// It is forwarded to the backend like any other input, but the session also
// resets its scrollback so reconnecting clients do not replay stale screens.
const ClearSequence = "\x1b[2J\x1b[3J\x1b[H"

// subscriberBuffer is the per-subscriber channel depth. Slow subscribers drop
// chunks rather than stall the read loop.
const subscriberBuffer = 64

// scrollback is a byte-bounded FIFO of output chunks. When the total size
// exceeds max, the oldest chunks are evicted.
type scrollback struct {
	mu     sync.Mutex
	max    int
	size   int
	chunks [][]byte
}

func newScrollback(max int) *scrollback {
	return &scrollback{max: max}
}

func (b *scrollback) append(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
	for b.size > b.max && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
}

func (b *scrollback) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	return out
}

func (b *scrollback) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}

// Session is the shared plumbing of one execution session, independent of the
// driver that spawned it. It fans output out to subscribers, keeps a bounded
// scrollback for reconnect replay, suppresses input during the post-spawn
// warm-up window, and defers resize calls until the backend looks ready.
type Session struct {
	agentID string
	handle  string
	log     *logger.Logger

	mu      sync.Mutex
	state   SessionState
	exitErr error

	input    io.Writer
	resizeFn func(cols, rows uint16) error

	warmupUntil time.Time
	ready       bool
	pendingCols uint16
	pendingRows uint16

	subs    map[int]chan []byte
	nextSub int

	onReady []func()
	onState []func(state SessionState, err error)

	scroll    *scrollback
	readiness *readinessTracker
	closed    bool
}

// NewSession creates the session plumbing for an agent. The driver attaches
// the backend i/o afterwards with AttachBackend.
func NewSession(agentID, handle string, cfg Config, log *logger.Logger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		agentID: agentID,
		handle:  handle,
		state:   SessionStarting,
		subs:    make(map[int]chan []byte),
		scroll:  newScrollback(cfg.ScrollbackBytes),
		log: log.WithFields(
			zap.String("component", "agent-session"),
			zap.String("agent_id", agentID),
			zap.String("session_handle", handle)),
	}
	if cfg.InputWarmup > 0 {
		s.warmupUntil = time.Now().Add(cfg.InputWarmup)
	}
	s.readiness = newReadinessTracker(defaultReadinessConfig(), s.MarkReady)
	return s
}

// AgentID returns the owning agent's id.
func (s *Session) AgentID() string { return s.agentID }

// Handle returns the driver's opaque session identifier.
func (s *Session) Handle() string { return s.handle }

// AttachBackend wires the session to its backend: an input writer and a
// resize hook. Called by the driver once the backend exists.
func (s *Session) AttachBackend(input io.Writer, resizeFn func(cols, rows uint16) error) {
	s.mu.Lock()
	s.input = input
	s.resizeFn = resizeFn
	s.mu.Unlock()
	s.setState(SessionRunning, nil)
}

// HandleOutput ingests a chunk of backend output: scrollback, readiness
// detection, and non-blocking fan-out to subscribers.
func (s *Session) HandleOutput(data []byte) {
	if len(data) == 0 {
		return
	}
	s.scroll.append(data)
	s.readiness.Write(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		select {
		case ch <- chunk:
		default:
			s.log.Debug("dropping output chunk for slow subscriber", zap.Int("subscriber", id))
		}
	}
}

// SendInput forwards input to the backend. Input inside the warm-up window is
// dropped to avoid racing the program's own startup; readiness ends the window
// early. The clear control sequence additionally resets the scrollback.
func (s *Session) SendInput(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.handle)
	}
	input := s.input
	suppressed := !s.ready && time.Now().Before(s.warmupUntil)
	s.mu.Unlock()

	if input == nil {
		return fmt.Errorf("session %s has no backend attached", s.handle)
	}
	if suppressed {
		s.log.Debug("input suppressed during warm-up", zap.Int("bytes", len(data)))
		return nil
	}

	if bytes.Contains(data, []byte(ClearSequence)) {
		s.scroll.reset()
	}

	if _, err := input.Write(data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize forwards a geometry change to the backend. Before the session is
// ready the geometry is only recorded; it is applied once readiness is
// observed so the resize cannot race the program's startup handshake.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	if !s.ready {
		s.pendingCols, s.pendingRows = cols, rows
		s.mu.Unlock()
		s.readiness.Resize(int(cols), int(rows))
		s.log.Debug("resize deferred until session ready",
			zap.Uint16("cols", cols), zap.Uint16("rows", rows))
		return nil
	}
	resizeFn := s.resizeFn
	s.mu.Unlock()

	if resizeFn == nil {
		return fmt.Errorf("session %s has no backend attached", s.handle)
	}
	return resizeFn(cols, rows)
}

// MarkReady records that the backend finished starting up: pending geometry is
// applied, the warm-up window ends, and registered readiness hooks fire. Safe
// to call more than once; only the first call has any effect. Drivers call
// this through the readiness tracker; owners may call it directly when the
// backend signals readiness out of band.
func (s *Session) MarkReady() {
	s.mu.Lock()
	if s.ready || s.closed {
		s.mu.Unlock()
		return
	}
	s.ready = true
	cols, rows := s.pendingCols, s.pendingRows
	resizeFn := s.resizeFn
	hooks := append([]func(){}, s.onReady...)
	s.mu.Unlock()

	s.readiness.Stop()

	if resizeFn != nil && cols > 0 && rows > 0 {
		if err := resizeFn(cols, rows); err != nil {
			s.log.Warn("failed to apply deferred resize", zap.Error(err))
		}
	}

	s.log.Debug("session ready")
	for _, fn := range hooks {
		fn()
	}
}

// Ready reports whether the backend has been observed ready.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// OnReady registers a hook invoked once when the session becomes ready. A hook
// registered after readiness fires immediately.
func (s *Session) OnReady(fn func()) {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		fn()
		return
	}
	s.onReady = append(s.onReady, fn)
	s.mu.Unlock()
}

// OnStateChange registers a hook invoked on every session state transition.
func (s *Session) OnStateChange(fn func(state SessionState, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

// State returns the session's lifecycle state and, for SessionError, the
// terminating error.
func (s *Session) State() (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.exitErr
}

// Subscribe registers an output subscriber. The returned channel receives
// copies of every output chunk; it is closed when the session finishes.
func (s *Session) Subscribe() (int, <-chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan []byte, subscriberBuffer)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Session) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// OutputSnapshot returns the buffered scrollback for replay on attach.
func (s *Session) OutputSnapshot() []byte {
	return s.scroll.snapshot()
}

// AppendNote injects a system diagnostic into the session's output stream and
// scrollback, formatted so it stands out from program output.
func (s *Session) AppendNote(note string) {
	formatted := []byte(fmt.Sprintf("\r\n\x1b[33m[crewdock] %s\x1b[0m\r\n", note))
	s.HandleOutput(formatted)
}

// Finish records the session's terminal state and closes all subscriber
// channels. err nil means a clean completion.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	s.readiness.Stop()

	if err != nil {
		s.setState(SessionError, err)
	} else {
		s.setState(SessionCompleted, nil)
	}
}

func (s *Session) setState(state SessionState, err error) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.exitErr = err
	hooks := append([]func(SessionState, error){}, s.onState...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(state, err)
	}
}
