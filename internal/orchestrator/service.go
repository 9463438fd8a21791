// Package orchestrator glues the agent subsystems together: it creates agent
// records, drives the state manager, spawns execution sessions through the
// runtime drivers, and bridges the two without letting the state manager
// touch the runtime directly. Queued messages flow back in through the event
// bus and are dispatched to the session from here.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent"
	"github.com/crewdock/crewdock/internal/agent/runtime"
	"github.com/crewdock/crewdock/internal/agent/state"
	"github.com/crewdock/crewdock/internal/common/appctx"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/events"
	"github.com/crewdock/crewdock/internal/events/bus"
)

const (
	eventSource = "agent-orchestrator"

	// queueGroup makes process-queued-message consumption exclusive: with
	// several subscribers only one dispatches any given message.
	queueGroup = "orchestrator"

	// heartbeatRefreshThrottle bounds how often session output refreshes
	// the agent heartbeat. Terminal output arrives in bursts; one refresh
	// per window is plenty to keep the monitor happy.
	heartbeatRefreshThrottle = 2 * time.Second

	// stopBudget caps a detached agent teardown, covering the driver
	// disconnect (container stop included) plus the store updates.
	stopBudget = 2 * time.Minute
)

// SpawnRequest describes a new agent to create and launch.
type SpawnRequest struct {
	UserID        string          `json:"user_id"`
	TeamID        string          `json:"team_id"`
	Location      agent.Location  `json:"location"`
	Isolation     agent.Isolation `json:"isolation"`
	Command       string          `json:"command"`
	Args          []string        `json:"args"`
	WorkDir       string          `json:"work_dir"`
	Env           []string        `json:"env"`
	RepositoryURL string          `json:"repository_url"`
	InitialCols   uint16          `json:"initial_cols"`
	InitialRows   uint16          `json:"initial_rows"`
}

// Service coordinates agent records, state transitions, and execution
// sessions.
type Service struct {
	store    agent.Store
	manager  *state.Manager
	registry *runtime.Registry
	eventBus bus.EventBus
	log      *logger.Logger

	// sessions maps agent ID to its live runtime session for output
	// access. Entries survive session exit so post-mortem output stays
	// readable until the agent record is deleted.
	sessions sync.Map

	queueSub bus.Subscription
	mu       sync.Mutex
}

// NewService wires the agent orchestrator. It registers itself as the state
// manager's note sink so lifecycle diagnostics land in the session output.
func NewService(
	store agent.Store,
	manager *state.Manager,
	registry *runtime.Registry,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	s := &Service{
		store:    store,
		manager:  manager,
		registry: registry,
		eventBus: eventBus,
		log:      log.WithFields(zap.String("component", "agent-orchestrator")),
	}
	manager.SetNoteSink(s)
	return s
}

// Start subscribes the service to queued-message dispatch events.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueSub != nil {
		return nil
	}

	subject := events.BuildAgentSubject("*", events.AgentProcessQueuedMessage)
	sub, err := s.eventBus.QueueSubscribe(subject, queueGroup, s.handleProcessQueuedMessage)
	if err != nil {
		return fmt.Errorf("subscribe to queued message dispatch: %w", err)
	}
	s.queueSub = sub

	s.log.Info("agent orchestrator started", zap.String("subject", subject))
	return nil
}

// Stop drops the queue subscription. Live sessions are not torn down here;
// persistent ones are expected to outlive the process.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueSub != nil {
		if err := s.queueSub.Unsubscribe(); err != nil {
			s.log.Warn("failed to unsubscribe queue handler", zap.Error(err))
		}
		s.queueSub = nil
	}
	s.log.Info("agent orchestrator stopped")
}

// SpawnAgent creates the agent record, initializes its state machine, and
// launches its execution session. The agent surfaces as initializing until
// the session's readiness probe fires.
func (s *Service) SpawnAgent(ctx context.Context, req SpawnRequest) (*agent.Record, error) {
	if req.TeamID == "" {
		return nil, apperrors.BadRequest("team id is required")
	}
	if req.UserID == "" {
		return nil, apperrors.BadRequest("user id is required")
	}
	if req.Location == "" {
		req.Location = agent.LocationLocal
	}
	if req.Isolation == "" {
		req.Isolation = agent.IsolationNone
	}

	// Resolve the driver before creating anything so an unsupported
	// combination fails without leaving a record behind.
	driver, err := s.registry.DriverFor(req.Location, req.Isolation)
	if err != nil {
		return nil, err
	}

	rec := &agent.Record{
		UserID:    req.UserID,
		TeamID:    req.TeamID,
		Location:  req.Location,
		Isolation: req.Isolation,
	}
	if err := s.store.CreateAgent(ctx, rec); err != nil {
		return nil, apperrors.Wrap(err, "failed to create agent record")
	}
	agentID := rec.ID

	if _, err := s.manager.Initialize(ctx, agentID); err != nil {
		return nil, err
	}

	session, err := driver.Spawn(ctx, runtime.SpawnOptions{
		AgentID:       agentID,
		TeamID:        req.TeamID,
		Command:       req.Command,
		Args:          req.Args,
		WorkDir:       req.WorkDir,
		Env:           req.Env,
		RepositoryURL: req.RepositoryURL,
		Location:      req.Location,
		Isolation:     req.Isolation,
		InitialCols:   req.InitialCols,
		InitialRows:   req.InitialRows,
	})
	if err != nil {
		if _, merr := s.manager.MarkError(ctx, agentID, fmt.Sprintf("spawn failed: %v", err)); merr != nil {
			s.log.Warn("failed to mark agent errored after spawn failure",
				zap.String("agent_id", agentID), zap.Error(merr))
		}
		return nil, apperrors.ProvisionFailed("spawn agent session", err)
	}
	s.sessions.Store(agentID, session)

	updated, err := s.store.CompareAndSwapState(ctx, agentID, agent.StateInitializing, func(r *agent.Record) error {
		r.SessionHandle = session.Handle()
		r.Status = agent.StatusRunning
		return nil
	})
	if err != nil {
		_ = driver.Disconnect(ctx, session.Handle())
		return nil, apperrors.Wrap(err, "failed to persist session handle")
	}

	s.hookSession(agentID, session)

	s.publish(ctx, agentID, events.AgentSpawned,
		events.AgentSpawnedData(agentID, req.TeamID, string(req.Isolation)))
	s.log.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("team_id", req.TeamID),
		zap.String("isolation", string(req.Isolation)),
		zap.String("session_handle", session.Handle()))
	return updated, nil
}

// hookSession wires a spawned session's callbacks into the state machine:
// readiness promotes the agent, output keeps its heartbeat fresh, and exit
// moves the record to a terminal state.
func (s *Service) hookSession(agentID string, session *runtime.Session) {
	session.OnReady(func() {
		if _, err := s.manager.MarkReady(context.Background(), agentID); err != nil {
			s.log.Warn("failed to mark agent ready",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	})

	session.OnStateChange(func(st runtime.SessionState, serr error) {
		switch st {
		case runtime.SessionError:
			reason := "session failed"
			if serr != nil {
				reason = serr.Error()
			}
			if _, err := s.manager.MarkError(context.Background(), agentID, reason); err != nil {
				s.log.Debug("session error not applied to agent state",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		case runtime.SessionCompleted:
			if err := s.manager.Cleanup(context.Background(), agentID); err != nil {
				s.log.Debug("session completion cleanup skipped",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	})

	subID, ch := session.Subscribe()
	go s.heartbeatFromOutput(agentID, session, subID, ch)
}

// heartbeatFromOutput treats terminal output as proof of life. The channel
// closes when the session finishes.
func (s *Service) heartbeatFromOutput(agentID string, session *runtime.Session, subID int, ch <-chan []byte) {
	defer session.Unsubscribe(subID)

	var last time.Time
	for range ch {
		if time.Since(last) < heartbeatRefreshThrottle {
			continue
		}
		last = time.Now()
		if err := s.manager.UpdateHeartbeat(context.Background(), agentID); err != nil {
			s.log.Debug("output heartbeat refresh failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// GetAgent returns one agent record.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*agent.Record, error) {
	rec, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return rec, nil
}

// ListAgents returns all agent records, optionally filtered by team.
func (s *Service) ListAgents(ctx context.Context, teamID string) ([]*agent.Record, error) {
	if teamID != "" {
		return s.store.ListAgentsByTeam(ctx, teamID)
	}
	return s.store.ListAgents(ctx)
}

// MarkReady promotes an initializing agent to available. Normally the
// session's readiness probe does this; the endpoint exists for agents that
// announce readiness themselves.
func (s *Service) MarkReady(ctx context.Context, agentID string) (*agent.Record, error) {
	return s.manager.MarkReady(ctx, agentID)
}

// CompleteTask returns a working agent to available and triggers queue
// draining.
func (s *Service) CompleteTask(ctx context.Context, agentID string) (*agent.Record, error) {
	return s.manager.MarkTaskComplete(ctx, agentID)
}

// Heartbeat refreshes the agent's liveness timestamp.
func (s *Service) Heartbeat(ctx context.Context, agentID string) error {
	return s.manager.UpdateHeartbeat(ctx, agentID)
}

// AgentOutput returns the agent's terminal scrollback. For agents without a
// live session in this process (spawned before a restart) it falls back to
// the backend's own logs when the driver can retrieve them.
func (s *Service) AgentOutput(ctx context.Context, agentID string) ([]byte, error) {
	rec, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if v, ok := s.sessions.Load(agentID); ok {
		return v.(*runtime.Session).OutputSnapshot(), nil
	}

	if rec.SessionHandle != "" {
		if driver, derr := s.registry.DriverFor(rec.Location, rec.Isolation); derr == nil {
			if lr, ok := driver.(runtime.LogRetriever); ok {
				out, lerr := lr.Logs(ctx, rec.SessionHandle, "1000")
				if lerr != nil {
					s.log.Debug("backend log retrieval failed",
						zap.String("agent_id", agentID), zap.Error(lerr))
					return nil, nil
				}
				return out, nil
			}
		}
	}
	return nil, nil
}

// AgentNotes returns the persisted lifecycle notes for an agent, oldest
// first. Unlike scrollback these survive a process restart.
func (s *Service) AgentNotes(ctx context.Context, agentID string) ([]agent.Note, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.store.ListNotes(ctx, agentID)
}

// AttachOutput returns the agent's live session for streaming consumers. The
// caller subscribes and unsubscribes on the session itself.
func (s *Service) AttachOutput(agentID string) (*runtime.Session, bool) {
	v, ok := s.sessions.Load(agentID)
	if !ok {
		return nil, false
	}
	return v.(*runtime.Session), true
}

// SendInput forwards raw terminal bytes to the agent's session. This is the
// keystroke path; message submission goes through SendMessage.
func (s *Service) SendInput(ctx context.Context, agentID string, data []byte) error {
	rec, driver, err := s.agentDriver(ctx, agentID)
	if err != nil {
		return err
	}
	return driver.SendInput(rec.SessionHandle, data)
}

// ResizeAgent changes the agent terminal's geometry.
func (s *Service) ResizeAgent(ctx context.Context, agentID string, cols, rows uint16) error {
	rec, driver, err := s.agentDriver(ctx, agentID)
	if err != nil {
		return err
	}
	return driver.Resize(rec.SessionHandle, cols, rows)
}

// StopAgent disconnects the agent's session and parks the record offline.
// Persistent sessions keep their program running; only the attachment ends.
func (s *Service) StopAgent(ctx context.Context, agentID string) error {
	rec, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	// Teardown runs detached from the caller's cancellation so a dropped
	// request cannot leave the session disconnected but the record live.
	ctx, cancel := appctx.Detached(ctx, stopBudget)
	defer cancel()

	if rec.SessionHandle != "" {
		driver, derr := s.registry.DriverFor(rec.Location, rec.Isolation)
		if derr == nil {
			if err := driver.Disconnect(ctx, rec.SessionHandle); err != nil {
				s.log.Warn("failed to disconnect agent session",
					zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}

	if err := s.manager.Cleanup(ctx, agentID); err != nil {
		return err
	}

	s.publish(ctx, agentID, events.AgentStopped,
		events.AgentStoppedData(agentID, "stopped by request"))
	s.log.Info("agent stopped", zap.String("agent_id", agentID))
	return nil
}

// DeleteAgent stops the agent and removes its record and session entry.
// Persistent sessions are destroyed outright: once the record is gone nothing
// could ever re-attach them.
func (s *Service) DeleteAgent(ctx context.Context, agentID string) error {
	rec, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	if err := s.StopAgent(ctx, agentID); err != nil {
		return err
	}

	if rec.SessionHandle != "" {
		if driver, derr := s.registry.DriverFor(rec.Location, rec.Isolation); derr == nil {
			if pd, ok := driver.(runtime.PersistentDriver); ok && pd.IsSessionPersistent(rec.SessionHandle) {
				dctx, cancel := appctx.Detached(ctx, stopBudget)
				if err := pd.Destroy(dctx, rec.SessionHandle); err != nil {
					s.log.Warn("failed to destroy persistent session",
						zap.String("agent_id", agentID),
						zap.String("session_handle", rec.SessionHandle),
						zap.Error(err))
				}
				cancel()
			}
		}
	}

	s.sessions.Delete(agentID)
	return s.store.DeleteAgent(ctx, agentID)
}

// PurgeTeam deletes every agent belonging to a team and reports how many
// were removed. Per-agent failures are logged and skipped.
func (s *Service) PurgeTeam(ctx context.Context, teamID string) (int, error) {
	recs, err := s.store.ListAgentsByTeam(ctx, teamID)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, rec := range recs {
		if err := s.DeleteAgent(ctx, rec.ID); err != nil {
			s.log.Warn("failed to purge agent",
				zap.String("agent_id", rec.ID),
				zap.String("team_id", teamID),
				zap.Error(err))
			continue
		}
		purged++
	}

	s.log.Info("team agents purged",
		zap.String("team_id", teamID),
		zap.Int("purged", purged),
		zap.Int("total", len(recs)))
	return purged, nil
}

// AppendNote implements state.NoteSink by writing lifecycle diagnostics into
// the agent's terminal scrollback.
func (s *Service) AppendNote(agentID, note string) {
	if v, ok := s.sessions.Load(agentID); ok {
		v.(*runtime.Session).AppendNote(note)
	}
}

func (s *Service) agentDriver(ctx context.Context, agentID string) (*agent.Record, runtime.Driver, error) {
	rec, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	if rec.SessionHandle == "" {
		return nil, nil, apperrors.AgentUnavailable(agentID, "no active session")
	}
	driver, err := s.registry.DriverFor(rec.Location, rec.Isolation)
	if err != nil {
		return nil, nil, err
	}
	return rec, driver, nil
}

func (s *Service) publish(ctx context.Context, agentID, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, eventSource, data)
	subject := events.BuildAgentSubject(agentID, eventType)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.log.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}
