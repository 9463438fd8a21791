package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/orchestrator"
)

func (s *Server) httpSpawnAgent(c *gin.Context) {
	var req orchestrator.SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	record, err := s.agents.SpawnAgent(c.Request.Context(), req)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

func (s *Server) httpListAgents(c *gin.Context) {
	records, err := s.agents.ListAgents(c.Request.Context(), c.Query("team_id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": records, "count": len(records)})
}

func (s *Server) httpGetAgent(c *gin.Context) {
	record, err := s.agents.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type httpSendMessageRequest struct {
	Message     string `json:"message"`
	SubmittedBy string `json:"submitted_by"`
}

// httpSendMessage submits a message to an agent. An available agent takes it
// immediately; a busy one queues it and the response carries the queue
// position. Unavailable agents reject with 409, a full queue with 429.
func (s *Server) httpSendMessage(c *gin.Context) {
	var body httpSendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := s.agents.SendMessage(c.Request.Context(), c.Param("id"), body.Message, body.SubmittedBy)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) httpMarkReady(c *gin.Context) {
	record, err := s.agents.MarkReady(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) httpCompleteTask(c *gin.Context) {
	record, err := s.agents.CompleteTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) httpHeartbeat(c *gin.Context) {
	if err := s.agents.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type httpResizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) httpResizeAgent(c *gin.Context) {
	var body httpResizeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if body.Cols == 0 || body.Rows == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cols and rows are required"})
		return
	}

	if err := s.agents.ResizeAgent(c.Request.Context(), c.Param("id"), body.Cols, body.Rows); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) httpAgentOutput(c *gin.Context) {
	agentID := c.Param("id")
	output, err := s.agents.AgentOutput(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "output": string(output)})
}

func (s *Server) httpAgentNotes(c *gin.Context) {
	agentID := c.Param("id")
	notes, err := s.agents.AgentNotes(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "notes": notes, "count": len(notes)})
}

func (s *Server) httpDeleteAgent(c *gin.Context) {
	if err := s.agents.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) httpPurgeTeamAgents(c *gin.Context) {
	teamID := c.Param("teamId")
	removed, err := s.agents.PurgeTeam(c.Request.Context(), teamID)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	s.logger.Info("purged team agents", zap.String("team_id", teamID), zap.Int("removed", removed))
	c.JSON(http.StatusOK, gin.H{"team_id": teamID, "removed": removed})
}
