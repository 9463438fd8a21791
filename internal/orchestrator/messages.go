package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/agent/state"
	apperrors "github.com/crewdock/crewdock/internal/common/errors"
	"github.com/crewdock/crewdock/internal/events/bus"
)

// SendMessage submits a message to an agent through the state machine. An
// available agent gets the message delivered to its terminal immediately; a
// busy or starting agent has it queued, and the queue drain event brings it
// back here for dispatch later.
func (s *Service) SendMessage(ctx context.Context, agentID, message, submittedBy string) (*state.MessageResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.BadRequest("message is empty")
	}

	res, err := s.manager.HandleIncomingMessage(ctx, agentID, message, submittedBy)
	if err != nil {
		return nil, err
	}

	if !res.Queued {
		if err := s.dispatch(ctx, agentID, message); err != nil {
			return nil, apperrors.Wrap(err, "failed to deliver message to session")
		}
	}
	return res, nil
}

// dispatch writes a message line into the agent's terminal session.
func (s *Service) dispatch(ctx context.Context, agentID, message string) error {
	rec, driver, err := s.agentDriver(ctx, agentID)
	if err != nil {
		return err
	}

	data := []byte(message)
	if !strings.HasSuffix(message, "\n") {
		data = append(data, '\n')
	}
	return driver.SendInput(rec.SessionHandle, data)
}

// handleProcessQueuedMessage consumes queue drain events published by the
// state manager and delivers the dequeued message to the agent's session.
func (s *Service) handleProcessQueuedMessage(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agent_id"].(string)
	message, _ := event.Data["message"].(string)
	if agentID == "" {
		s.log.Warn("queued message event without agent id",
			zap.String("event_id", event.ID))
		return nil
	}

	if err := s.dispatch(ctx, agentID, message); err != nil {
		s.log.Error("failed to dispatch queued message",
			zap.String("agent_id", agentID), zap.Error(err))
		return err
	}

	s.log.Debug("queued message dispatched", zap.String("agent_id", agentID))
	return nil
}
