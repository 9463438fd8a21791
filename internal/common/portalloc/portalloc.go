// Package portalloc finds and reserves free TCP ports from a configured range
// using live socket probing.
package portalloc

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
)

// DefaultMaxRetries bounds the number of probe attempts per allocation.
const DefaultMaxRetries = 100

// Config holds the allocator's port range and retry budget.
type Config struct {
	RangeStart int
	RangeEnd   int
	MaxRetries int
	Exclusions []int
}

// Stats reports allocator counters.
type Stats struct {
	Allocated   int     `json:"allocated"`    // ports currently reserved
	Conflicts   int64   `json:"conflicts"`    // probes that found the port taken
	SuccessRate float64 `json:"success_rate"` // successful allocations / total probes
}

// Allocator reserves ports by binding a throwaway listener on each candidate.
// Probing the real socket rather than trusting a tracked set avoids stale-state
// bugs when external processes bind ports outside the allocator's knowledge.
// Reservations are process-local and never persisted.
type Allocator struct {
	mu        sync.Mutex
	cfg       Config
	reserved  map[int]time.Time
	excluded  map[int]struct{}
	successes int64
	conflicts int64
	rng       *rand.Rand
	log       *logger.Logger
}

// New creates an Allocator for the given range. A zero MaxRetries falls back
// to DefaultMaxRetries.
func New(cfg Config, log *logger.Logger) (*Allocator, error) {
	if cfg.RangeStart <= 0 || cfg.RangeEnd < cfg.RangeStart || cfg.RangeEnd > 65535 {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.RangeStart, cfg.RangeEnd)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	excluded := make(map[int]struct{}, len(cfg.Exclusions))
	for _, p := range cfg.Exclusions {
		excluded[p] = struct{}{}
	}

	return &Allocator{
		cfg:      cfg,
		reserved: make(map[int]time.Time),
		excluded: excluded,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log.WithFields(zap.String("component", "portalloc")),
	}, nil
}

// Allocate reserves a free port from the range. It starts probing at a random
// offset to avoid clustering when several allocators start at once, then walks
// the range linearly with wrap-around. Each candidate that is not internally
// reserved and not excluded is probed with a real bind; the first bindable
// port is reserved and returned. When the retry budget is spent without a free
// port, a PORT_EXHAUSTED error is returned.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rangeSize := a.cfg.RangeEnd - a.cfg.RangeStart + 1
	attempts := a.cfg.MaxRetries
	if attempts > rangeSize {
		// Probing the same port twice within one call cannot succeed.
		attempts = rangeSize
	}

	start := a.rng.Intn(rangeSize)
	for i := 0; i < attempts; i++ {
		port := a.cfg.RangeStart + (start+i)%rangeSize

		if _, taken := a.reserved[port]; taken {
			continue
		}
		if _, skip := a.excluded[port]; skip {
			continue
		}

		if !probe(port) {
			a.conflicts++
			continue
		}

		a.reserved[port] = time.Now()
		a.successes++
		a.log.Debug("allocated port", zap.Int("port", port), zap.Int("probes", i+1))
		return port, nil
	}

	a.log.Warn("port range exhausted",
		zap.Int("range_start", a.cfg.RangeStart),
		zap.Int("range_end", a.cfg.RangeEnd),
		zap.Int("attempts", attempts))
	return 0, apperrors.PortExhausted(a.cfg.RangeStart, a.cfg.RangeEnd, attempts)
}

// AllocateSpecific probes and reserves one exact port. Used when a persisted
// registration must come back on the same port after a process restart.
func (a *Allocator) AllocateSpecific(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.reserved[port]; taken {
		return apperrors.Conflict(fmt.Sprintf("port %d is already reserved", port))
	}
	if _, skip := a.excluded[port]; skip {
		return apperrors.Conflict(fmt.Sprintf("port %d is excluded", port))
	}
	if !probe(port) {
		a.conflicts++
		return apperrors.Conflict(fmt.Sprintf("port %d is in use", port))
	}

	a.reserved[port] = time.Now()
	a.successes++
	return nil
}

// Release returns a port to the free pool immediately.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved reports whether the allocator currently holds the port.
func (a *Allocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reserved[port]
	return ok
}

// Stats returns current allocation counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.successes + a.conflicts
	rate := 0.0
	if total > 0 {
		rate = float64(a.successes) / float64(total)
	}
	return Stats{
		Allocated:   len(a.reserved),
		Conflicts:   a.conflicts,
		SuccessRate: rate,
	}
}

// probe reports whether the port can be bound on all interfaces right now.
// The listener is closed immediately; only the port number is reused.
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
