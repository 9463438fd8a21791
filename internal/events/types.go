// Package events defines the event types Crewdock publishes on the bus.
package events

import (
	"fmt"
	"strings"
)

// Event types for agent lifecycle and messaging
const (
	AgentStateChanged         = "agent.state_changed"
	AgentMessageQueued        = "agent.message_queued"
	AgentProcessQueuedMessage = "agent.process_queued_message"
	AgentHeartbeatLost        = "agent.heartbeat_lost"
	AgentSpawned              = "agent.spawned"
	AgentStopped              = "agent.stopped"
)

// Event types for preview deployments
const (
	PreviewStarted        = "preview.started"
	PreviewStopped        = "preview.stopped"
	PreviewHealthDegraded = "preview.health_degraded"
)

// Subject name components
const (
	AgentSubjectPrefix   = "agent"
	PreviewSubjectPrefix = "preview"
)

// BuildAgentSubject builds the per-agent subject for an event type, e.g.
// agent.a1.state_changed for AgentStateChanged. Consumers match all agents
// with agent.*.state_changed.
func BuildAgentSubject(agentID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", AgentSubjectPrefix, agentID,
		strings.TrimPrefix(eventType, AgentSubjectPrefix+"."))
}

// BuildPreviewSubject builds the per-team subject for an event type, e.g.
// preview.team-1.started for PreviewStarted.
func BuildPreviewSubject(teamID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", PreviewSubjectPrefix, teamID,
		strings.TrimPrefix(eventType, PreviewSubjectPrefix+"."))
}

// AgentStateChangeData builds the payload for AgentStateChanged events.
func AgentStateChangeData(agentID, oldState, newState string, queueLength int) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":     agentID,
		"old_state":    oldState,
		"new_state":    newState,
		"queue_length": queueLength,
	}
}

// MessageQueuedData builds the payload for AgentMessageQueued events.
func MessageQueuedData(agentID, messageID string, queuePosition int) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":       agentID,
		"message_id":     messageID,
		"queue_position": queuePosition,
	}
}

// ProcessQueuedMessageData builds the payload for AgentProcessQueuedMessage
// events. The orchestrator consumes these and dispatches the message to the
// agent's execution backend.
func ProcessQueuedMessageData(agentID, taskID, message, submittedBy string) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":     agentID,
		"task_id":      taskID,
		"message":      message,
		"submitted_by": submittedBy,
	}
}

// AgentSpawnedData builds the payload for AgentSpawned events.
func AgentSpawnedData(agentID, teamID, isolation string) map[string]interface{} {
	return map[string]interface{}{
		"agent_id":  agentID,
		"team_id":   teamID,
		"isolation": isolation,
	}
}

// AgentStoppedData builds the payload for AgentStopped events.
func AgentStoppedData(agentID, reason string) map[string]interface{} {
	return map[string]interface{}{
		"agent_id": agentID,
		"reason":   reason,
	}
}

// PreviewStartedData builds the payload for PreviewStarted events.
func PreviewStartedData(teamID string, port int, url string) map[string]interface{} {
	return map[string]interface{}{
		"team_id": teamID,
		"port":    port,
		"url":     url,
	}
}

// PreviewStoppedData builds the payload for PreviewStopped events.
func PreviewStoppedData(teamID, reason string) map[string]interface{} {
	return map[string]interface{}{
		"team_id": teamID,
		"reason":  reason,
	}
}

// PreviewHealthDegradedData builds the payload for PreviewHealthDegraded
// events.
func PreviewHealthDegradedData(teamID, containerID, reason string) map[string]interface{} {
	return map[string]interface{}{
		"team_id":      teamID,
		"container_id": containerID,
		"reason":       reason,
	}
}
