package runtime

import (
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
)

// readinessConfig tunes the settled-screen detector.
type readinessConfig struct {
	Cols   int
	Rows   int
	Settle time.Duration // quiet period after which a non-empty screen counts as ready
	Poll   time.Duration
}

func defaultReadinessConfig() readinessConfig {
	return readinessConfig{
		Cols:   80,
		Rows:   24,
		Settle: 500 * time.Millisecond,
		Poll:   100 * time.Millisecond,
	}
}

// readinessTracker feeds session output into a virtual terminal and reports
// readiness once the screen has content and has stopped changing for the
// settle window. This is how the runtime knows the spawned program finished
// its startup banner without understanding the program itself.
type readinessTracker struct {
	mu        sync.Mutex
	cfg       readinessConfig
	term      vt10x.Terminal
	lastWrite time.Time
	sawOutput bool

	onReady  func()
	fireOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newReadinessTracker(cfg readinessConfig, onReady func()) *readinessTracker {
	if cfg.Cols <= 0 {
		cfg.Cols = 80
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 24
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}

	t := &readinessTracker{
		cfg:     cfg,
		term:    vt10x.New(vt10x.WithSize(cfg.Cols, cfg.Rows)),
		onReady: onReady,
		stopCh:  make(chan struct{}),
	}
	go t.loop()
	return t
}

// Write feeds output bytes into the virtual terminal.
func (t *readinessTracker) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
	t.lastWrite = time.Now()
	t.sawOutput = true
}

// Resize updates the virtual terminal geometry to match the client's.
func (t *readinessTracker) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.term.Resize(cols, rows)
	t.cfg.Cols = cols
	t.cfg.Rows = rows
}

// Stop terminates the poll loop. Safe to call repeatedly.
func (t *readinessTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *readinessTracker) loop() {
	ticker := time.NewTicker(t.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if t.settled() {
				t.fireOnce.Do(t.onReady)
				return
			}
		}
	}
}

// settled reports whether the screen is non-empty and quiet.
func (t *readinessTracker) settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sawOutput || time.Since(t.lastWrite) < t.cfg.Settle {
		return false
	}
	return t.screenHasContent()
}

// screenHasContent scans the visible cells for any non-blank glyph. Must be
// called with the mutex held.
func (t *readinessTracker) screenHasContent() bool {
	for row := 0; row < t.cfg.Rows; row++ {
		var sb strings.Builder
		for col := 0; col < t.cfg.Cols; col++ {
			g := t.term.Cell(col, row)
			if g.Char != 0 {
				sb.WriteRune(g.Char)
			}
		}
		if strings.TrimSpace(sb.String()) != "" {
			return true
		}
	}
	return false
}
