package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/common/stringutil"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
)

// maxLastErrorLen bounds the persisted error reason. Session failures can
// carry whole engine responses in their message.
const maxLastErrorLen = 512

// Config holds the timing and queueing knobs of the state manager.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	StartupTimeout    time.Duration
	QueueLimit        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		StartupTimeout:    30 * time.Second,
		QueueLimit:        50,
	}
}

// NoteSink receives diagnostic notes destined for an agent's output log. The
// runtime session implements this by writing into the terminal scrollback.
type NoteSink interface {
	AppendNote(agentID, note string)
}

// MessageResult is the outcome of submitting a message to an agent.
type MessageResult struct {
	Queued        bool   `json:"queued"`
	QueuePosition int    `json:"queuePosition,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
}

// monitor tracks the background timers of a single agent.
type monitor struct {
	startupTimer *time.Timer
	stopCh       chan struct{}
	mu           sync.Mutex
}

func (mon *monitor) cancelStartupTimer() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.startupTimer != nil {
		mon.startupTimer.Stop()
		mon.startupTimer = nil
	}
}

func (mon *monitor) armStartupTimer(d time.Duration, fn func()) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.startupTimer != nil {
		mon.startupTimer.Stop()
	}
	mon.startupTimer = time.AfterFunc(d, fn)
}

// Manager owns all agent state transitions. Mutations serialize per agent so
// two callers can never both observe available and both move the agent to
// working.
type Manager struct {
	store    agent.Store
	eventBus bus.EventBus
	cfg      Config
	logger   *logger.Logger
	notes    NoteSink

	monitors map[string]*monitor
	mu       sync.Mutex

	// agentMus maps agent ID to *sync.Mutex for per-agent serialization.
	agentMus sync.Map

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates the agent state manager.
func NewManager(store agent.Store, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 50
	}
	return &Manager{
		store:    store,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "agent-state-manager")),
		monitors: make(map[string]*monitor),
		stopCh:   make(chan struct{}),
	}
}

// SetNoteSink wires the output-log note sink. Optional; notes are always
// persisted to the store regardless.
func (m *Manager) SetNoteSink(notes NoteSink) {
	m.notes = notes
}

// agentLock returns the serialization mutex for one agent.
func (m *Manager) agentLock(agentID string) *sync.Mutex {
	mu, _ := m.agentMus.LoadOrStore(agentID, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// Start restores heartbeat monitoring for agents persisted in live states.
// Agents whose heartbeats went stale while the process was down are demoted
// on the first monitor tick.
func (m *Manager) Start(ctx context.Context) error {
	recs, err := m.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents for monitor restore: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		switch rec.AgentState {
		case agent.StateInitializing:
			// Re-arm the startup timeout; the agent gets a full window
			// after a restart rather than erroring immediately.
			m.ensureMonitor(rec.ID, true)
			restored++
		case agent.StateAvailable, agent.StateWorking:
			m.ensureMonitor(rec.ID, false)
			restored++
		}
	}

	m.logger.Info("agent state manager started", zap.Int("monitors_restored", restored))
	return nil
}

// Stop terminates all background monitors and waits for them to exit.
func (m *Manager) Stop() {
	close(m.stopCh)

	m.mu.Lock()
	for _, mon := range m.monitors {
		mon.cancelStartupTimer()
		close(mon.stopCh)
	}
	m.monitors = make(map[string]*monitor)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("agent state manager stopped")
}

// Initialize moves an agent into initializing, starts its heartbeat monitor,
// and arms the startup timeout. If the agent never reports ready within the
// window it is forced to error with a note in its output log.
func (m *Manager) Initialize(ctx context.Context, agentID string) (*agent.Record, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	from := rec.AgentState
	if err := ValidateTransition(agentID, from, agent.StateInitializing); err != nil {
		return nil, err
	}

	updated, err := m.store.CompareAndSwapState(ctx, agentID, from, func(r *agent.Record) error {
		r.AgentState = agent.StateInitializing
		r.Status = agent.StatusProvisioning
		r.CurrentTaskID = ""
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to initialize agent")
	}

	m.ensureMonitor(agentID, true)
	m.publishStateChange(ctx, updated, from)

	m.logger.Info("agent initializing",
		zap.String("agent_id", agentID),
		zap.Duration("startup_timeout", m.cfg.StartupTimeout))
	return updated, nil
}

// MarkReady reports that the agent's backend finished its handshake. The
// startup timeout is cancelled, the agent becomes available, and one queued
// message is drained if present.
func (m *Manager) MarkReady(ctx context.Context, agentID string) (*agent.Record, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	from := rec.AgentState
	if err := ValidateTransition(agentID, from, agent.StateAvailable); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	updated, err := m.store.CompareAndSwapState(ctx, agentID, from, func(r *agent.Record) error {
		r.AgentState = agent.StateAvailable
		r.Status = agent.StatusRunning
		r.LastHeartbeat = &now
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to mark agent ready")
	}

	if mon := m.getMonitor(agentID); mon != nil {
		mon.cancelStartupTimer()
	} else {
		m.ensureMonitor(agentID, false)
	}

	m.publishStateChange(ctx, updated, from)
	m.logger.Info("agent ready", zap.String("agent_id", agentID))

	return m.drainOne(ctx, updated)
}

// HandleIncomingMessage routes a message according to the agent's state:
// busy agents queue it, an available agent starts working on it, and dead
// agents reject it.
func (m *Manager) HandleIncomingMessage(ctx context.Context, agentID, message, submittedBy string) (*MessageResult, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	switch rec.AgentState {
	case agent.StateInitializing, agent.StateWorking:
		if len(rec.MessageQueue) >= m.cfg.QueueLimit {
			return nil, apperrors.QueueFull(agentID, m.cfg.QueueLimit)
		}

		msg := agent.QueuedMessage{
			ID:          uuid.New().String(),
			Message:     message,
			SubmittedBy: submittedBy,
			QueuedAt:    time.Now().UTC(),
		}
		updated, err := m.store.CompareAndSwapState(ctx, agentID, rec.AgentState, func(r *agent.Record) error {
			r.MessageQueue = append(r.MessageQueue, msg)
			return nil
		})
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to queue message")
		}

		position := len(updated.MessageQueue)
		m.publishEvent(ctx, agentID, events.AgentMessageQueued,
			events.MessageQueuedData(agentID, msg.ID, position))
		m.logger.Info("message queued",
			zap.String("agent_id", agentID),
			zap.String("message_id", msg.ID),
			zap.Int("queue_position", position))
		return &MessageResult{Queued: true, QueuePosition: position, MessageID: msg.ID}, nil

	case agent.StateAvailable:
		taskID := uuid.New().String()
		updated, err := m.store.CompareAndSwapState(ctx, agentID, agent.StateAvailable, func(r *agent.Record) error {
			r.AgentState = agent.StateWorking
			r.CurrentTaskID = taskID
			return nil
		})
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to start work")
		}

		m.publishStateChange(ctx, updated, agent.StateAvailable)
		m.logger.Info("agent accepted message",
			zap.String("agent_id", agentID),
			zap.String("task_id", taskID))
		return &MessageResult{Queued: false, TaskID: taskID}, nil

	case agent.StateError, agent.StateOffline:
		return nil, apperrors.AgentUnavailable(agentID, string(rec.AgentState))

	default:
		return nil, apperrors.AgentUnavailable(agentID, string(rec.AgentState))
	}
}

// MarkTaskComplete clears the current task, returns the agent to available,
// and immediately hands out the next queued message if one is waiting.
func (m *Manager) MarkTaskComplete(ctx context.Context, agentID string) (*agent.Record, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	from := rec.AgentState
	if err := ValidateTransition(agentID, from, agent.StateAvailable); err != nil {
		return nil, err
	}

	updated, err := m.store.CompareAndSwapState(ctx, agentID, from, func(r *agent.Record) error {
		r.AgentState = agent.StateAvailable
		r.CurrentTaskID = ""
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to complete task")
	}

	m.publishStateChange(ctx, updated, from)
	m.logger.Info("task complete", zap.String("agent_id", agentID))

	return m.drainOne(ctx, updated)
}

// drainOne pops the queue head of an available agent and moves it back to
// working. The process-queued-message event tells the orchestrator to
// dispatch the message; the manager itself never touches the execution
// backend. Callers must hold the agent lock.
func (m *Manager) drainOne(ctx context.Context, rec *agent.Record) (*agent.Record, error) {
	if rec.AgentState != agent.StateAvailable || len(rec.MessageQueue) == 0 {
		return rec, nil
	}

	head := rec.MessageQueue[0]
	taskID := uuid.New().String()

	updated, err := m.store.CompareAndSwapState(ctx, rec.ID, agent.StateAvailable, func(r *agent.Record) error {
		r.MessageQueue = r.MessageQueue[1:]
		r.AgentState = agent.StateWorking
		r.CurrentTaskID = taskID
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to drain queued message")
	}

	m.publishStateChange(ctx, updated, agent.StateAvailable)
	m.publishEvent(ctx, rec.ID, events.AgentProcessQueuedMessage,
		events.ProcessQueuedMessageData(rec.ID, taskID, head.Message, head.SubmittedBy))

	m.logger.Info("drained queued message",
		zap.String("agent_id", rec.ID),
		zap.String("message_id", head.ID),
		zap.String("task_id", taskID),
		zap.Int("queue_remaining", len(updated.MessageQueue)))
	return updated, nil
}

// UpdateHeartbeat refreshes the agent's liveness timestamp. An offline agent
// that had previously been ready is restored to available.
func (m *Manager) UpdateHeartbeat(ctx context.Context, agentID string) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec.AgentState == agent.StateOffline && rec.Status == agent.StatusRunning {
		updated, err := m.store.CompareAndSwapState(ctx, agentID, agent.StateOffline, func(r *agent.Record) error {
			r.AgentState = agent.StateAvailable
			r.LastHeartbeat = &now
			return nil
		})
		if err != nil {
			return apperrors.Wrap(err, "failed to restore agent")
		}
		m.ensureMonitor(agentID, false)
		m.publishStateChange(ctx, updated, agent.StateOffline)
		m.logger.Info("agent restored from offline", zap.String("agent_id", agentID))
		_, err = m.drainOne(ctx, updated)
		return err
	}

	return m.store.TouchHeartbeat(ctx, agentID, now)
}

// MarkError forces an agent into error state with a reason.
func (m *Manager) MarkError(ctx context.Context, agentID, reason string) (*agent.Record, error) {
	reason = stringutil.Ellipsize(reason, maxLastErrorLen)
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	from := rec.AgentState
	if err := ValidateTransition(agentID, from, agent.StateError); err != nil {
		return nil, err
	}

	updated, err := m.store.CompareAndSwapState(ctx, agentID, from, func(r *agent.Record) error {
		r.AgentState = agent.StateError
		r.Status = agent.StatusFailed
		r.LastError = reason
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to mark agent errored")
	}

	m.publishStateChange(ctx, updated, from)
	m.logger.Warn("agent errored",
		zap.String("agent_id", agentID),
		zap.String("reason", reason))
	return updated, nil
}

// Cleanup tears down an agent's monitors and parks it offline with a stopped
// status. Safe to call for agents that are already offline.
func (m *Manager) Cleanup(ctx context.Context, agentID string) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.removeMonitor(agentID)

	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return err
	}

	from := rec.AgentState
	if from == agent.StateOffline {
		if rec.Status != agent.StatusStopped {
			rec.Status = agent.StatusStopped
			return m.store.UpdateAgent(ctx, rec)
		}
		return nil
	}

	updated, err := m.store.CompareAndSwapState(ctx, agentID, from, func(r *agent.Record) error {
		r.AgentState = agent.StateOffline
		r.Status = agent.StatusStopped
		r.CurrentTaskID = ""
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to clean up agent")
	}

	m.publishStateChange(ctx, updated, from)
	m.logger.Info("agent cleaned up", zap.String("agent_id", agentID))
	return nil
}

// QueueLength returns the current number of queued messages for an agent.
func (m *Manager) QueueLength(ctx context.Context, agentID string) (int, error) {
	rec, err := m.loadAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return len(rec.MessageQueue), nil
}

func (m *Manager) loadAgent(ctx context.Context, agentID string) (*agent.Record, error) {
	rec, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load agent")
	}
	if rec == nil {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return rec, nil
}

// ensureMonitor starts the heartbeat loop for an agent if not already
// running, optionally arming the startup timeout.
func (m *Manager) ensureMonitor(agentID string, armStartup bool) {
	m.mu.Lock()
	mon, ok := m.monitors[agentID]
	if !ok {
		mon = &monitor{stopCh: make(chan struct{})}
		m.monitors[agentID] = mon
		m.wg.Add(1)
		go m.monitorLoop(agentID, mon)
	}
	m.mu.Unlock()

	if armStartup {
		mon.armStartupTimer(m.cfg.StartupTimeout, func() {
			m.handleStartupTimeout(agentID)
		})
	}
}

func (m *Manager) getMonitor(agentID string) *monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitors[agentID]
}

func (m *Manager) removeMonitor(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mon, ok := m.monitors[agentID]; ok {
		mon.cancelStartupTimer()
		close(mon.stopCh)
		delete(m.monitors, agentID)
	}
}

// monitorLoop ticks at the heartbeat interval and demotes the agent to
// offline once its heartbeat goes stale.
func (m *Manager) monitorLoop(agentID string, mon *monitor) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-mon.stopCh:
			return
		case <-ticker.C:
			m.checkHeartbeat(context.Background(), agentID)
		}
	}
}

func (m *Manager) checkHeartbeat(ctx context.Context, agentID string) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.GetAgent(ctx, agentID)
	if err != nil || rec == nil {
		return
	}
	if rec.AgentState == agent.StateOffline || rec.AgentState == agent.StateInitializing {
		// The startup timeout governs initializing agents.
		return
	}
	if rec.LastHeartbeat == nil {
		return
	}
	if time.Since(*rec.LastHeartbeat) <= m.cfg.HeartbeatTimeout {
		return
	}

	from := rec.AgentState
	updated, err := m.store.CompareAndSwapState(ctx, agentID, from, func(r *agent.Record) error {
		r.AgentState = agent.StateOffline
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to demote stale agent",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	m.publishStateChange(ctx, updated, from)
	m.publishEvent(ctx, agentID, events.AgentHeartbeatLost, map[string]interface{}{
		"agent_id":       agentID,
		"last_heartbeat": rec.LastHeartbeat.UTC(),
	})
	m.logger.Warn("agent heartbeat lost, marked offline",
		zap.String("agent_id", agentID),
		zap.Time("last_heartbeat", *rec.LastHeartbeat))
}

// handleStartupTimeout fires when an initializing agent never reported ready.
func (m *Manager) handleStartupTimeout(agentID string) {
	ctx := context.Background()

	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.GetAgent(ctx, agentID)
	if err != nil || rec == nil {
		return
	}
	if rec.AgentState != agent.StateInitializing {
		return
	}

	note := fmt.Sprintf("Agent failed to become ready within %s; marking as error", m.cfg.StartupTimeout)
	updated, err := m.store.CompareAndSwapState(ctx, agentID, agent.StateInitializing, func(r *agent.Record) error {
		r.AgentState = agent.StateError
		r.Status = agent.StatusFailed
		r.LastError = note
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to apply startup timeout",
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}

	if _, err := m.store.AppendNote(ctx, agentID, note); err != nil {
		m.logger.Warn("failed to persist startup timeout note",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	if m.notes != nil {
		m.notes.AppendNote(agentID, note)
	}

	m.publishStateChange(ctx, updated, agent.StateInitializing)
	m.logger.Error("agent startup timed out",
		zap.String("agent_id", agentID),
		zap.Duration("timeout", m.cfg.StartupTimeout))
}

// publishStateChange emits the canonical state-change event.
func (m *Manager) publishStateChange(ctx context.Context, rec *agent.Record, from agent.State) {
	m.publishEvent(ctx, rec.ID, events.AgentStateChanged,
		events.AgentStateChangeData(rec.ID, string(from), string(rec.AgentState), len(rec.MessageQueue)))
}

func (m *Manager) publishEvent(ctx context.Context, agentID, eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}

	event := bus.NewEvent(eventType, "agent-manager", data)
	subject := events.BuildAgentSubject(agentID, eventType)

	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
