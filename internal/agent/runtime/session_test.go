package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeBackend records input writes and resize calls.
type fakeBackend struct {
	mu      sync.Mutex
	writes  [][]byte
	resizes [][2]uint16
}

func (f *fakeBackend) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chunk := make([]byte, len(p))
	copy(chunk, p)
	f.writes = append(f.writes, chunk)
	return len(p), nil
}

func (f *fakeBackend) resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeBackend) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

func (f *fakeBackend) resizeCalls() [][2]uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint16(nil), f.resizes...)
}

// noWarmup disables the input suppression window for tests that exercise
// other behavior.
const noWarmup = -1 * time.Second

func newTestSession(t *testing.T, warmup time.Duration) (*Session, *fakeBackend) {
	backend := &fakeBackend{}
	session := NewSession("agent-1", "test-handle", Config{InputWarmup: warmup}, newTestLogger(t))
	session.AttachBackend(backend, backend.resize)
	t.Cleanup(func() { session.Finish(nil) })
	return session, backend
}

func TestSession_WarmupSuppressesInput(t *testing.T) {
	session, backend := newTestSession(t, 80*time.Millisecond)

	require.NoError(t, session.SendInput([]byte("too early")))
	assert.Empty(t, backend.written())

	time.Sleep(150 * time.Millisecond)

	require.NoError(t, session.SendInput([]byte("on time")))
	assert.Equal(t, []byte("on time"), backend.written())
}

func TestSession_ReadinessEndsWarmupEarly(t *testing.T) {
	session, backend := newTestSession(t, time.Hour)

	require.NoError(t, session.SendInput([]byte("suppressed")))
	assert.Empty(t, backend.written())

	session.MarkReady()

	require.NoError(t, session.SendInput([]byte("flows")))
	assert.Equal(t, []byte("flows"), backend.written())
}

func TestSession_ClearSequenceResetsScrollback(t *testing.T) {
	session, backend := newTestSession(t, noWarmup)

	session.HandleOutput([]byte("old screen content"))
	require.NotEmpty(t, session.OutputSnapshot())

	clear := []byte(ClearSequence)
	require.NoError(t, session.SendInput(clear))

	assert.Empty(t, session.OutputSnapshot())
	assert.Equal(t, clear, backend.written(), "clear sequence must still reach the backend")
}

func TestSession_SubscriberFanout(t *testing.T) {
	session, _ := newTestSession(t, noWarmup)

	id1, ch1 := session.Subscribe()
	_, ch2 := session.Subscribe()

	session.HandleOutput([]byte("broadcast"))

	for _, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case chunk := <-ch:
			assert.Equal(t, []byte("broadcast"), chunk)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive output")
		}
	}

	session.Unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open, "unsubscribed channel should be closed")
}

func TestSession_ScrollbackEvictsOldest(t *testing.T) {
	backend := &fakeBackend{}
	session := NewSession("agent-1", "h", Config{InputWarmup: noWarmup, ScrollbackBytes: 8}, newTestLogger(t))
	session.AttachBackend(backend, backend.resize)
	t.Cleanup(func() { session.Finish(nil) })

	session.HandleOutput([]byte("aaaa"))
	session.HandleOutput([]byte("bbbb"))
	session.HandleOutput([]byte("cccc"))

	assert.Equal(t, []byte("bbbbcccc"), session.OutputSnapshot())
}

func TestSession_ResizeDeferredUntilReady(t *testing.T) {
	session, backend := newTestSession(t, noWarmup)

	require.NoError(t, session.Resize(120, 40))
	assert.Empty(t, backend.resizeCalls())

	session.MarkReady()

	calls := backend.resizeCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, [2]uint16{120, 40}, calls[0])

	require.NoError(t, session.Resize(100, 30))
	calls = backend.resizeCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, [2]uint16{100, 30}, calls[1])
}

func TestSession_AppendNote(t *testing.T) {
	session, _ := newTestSession(t, noWarmup)

	_, ch := session.Subscribe()
	session.AppendNote("agent failed to become ready")

	assert.Contains(t, string(session.OutputSnapshot()), "[crewdock] agent failed to become ready")

	select {
	case chunk := <-ch:
		assert.Contains(t, string(chunk), "agent failed to become ready")
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the note")
	}
}

func TestSession_FinishClosesSubscribers(t *testing.T) {
	session, _ := newTestSession(t, noWarmup)

	_, ch := session.Subscribe()
	session.Finish(nil)

	_, open := <-ch
	assert.False(t, open)

	state, err := session.State()
	assert.Equal(t, SessionCompleted, state)
	assert.NoError(t, err)

	assert.Error(t, session.SendInput([]byte("after close")))
}

func TestSession_FinishWithErrorSetsErrorState(t *testing.T) {
	session, _ := newTestSession(t, noWarmup)

	session.Finish(assert.AnError)

	state, err := session.State()
	assert.Equal(t, SessionError, state)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestSession_OnReadyHooks(t *testing.T) {
	session, _ := newTestSession(t, noWarmup)

	var mu sync.Mutex
	fired := 0
	session.OnReady(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	session.MarkReady()
	session.MarkReady()

	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()

	// Hooks registered after readiness fire immediately.
	late := 0
	session.OnReady(func() { late++ })
	assert.Equal(t, 1, late)
}

func TestSession_StateChangeObserver(t *testing.T) {
	backend := &fakeBackend{}
	session := NewSession("agent-1", "h", Config{InputWarmup: noWarmup}, newTestLogger(t))

	var mu sync.Mutex
	var states []SessionState
	session.OnStateChange(func(state SessionState, _ error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
	})

	session.AttachBackend(backend, backend.resize)
	session.Finish(nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SessionState{SessionRunning, SessionCompleted}, states)
}
