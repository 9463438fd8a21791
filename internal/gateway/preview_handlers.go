package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type httpStartPreviewRequest struct {
	RepositoryURL string `json:"repository_url"`
}

// httpStartPreview provisions (or reuses) the team's preview container. The
// body is optional; without a repository URL the team gets the scaffold
// project or whatever repository the previous deployment used.
func (s *Server) httpStartPreview(c *gin.Context) {
	var body httpStartPreviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	info, err := s.previews.StartPreview(c.Request.Context(), c.Param("teamId"), body.RepositoryURL)
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) httpStopPreview(c *gin.Context) {
	teamID := c.Param("teamId")
	if err := s.previews.StopPreview(c.Request.Context(), teamID); err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"team_id": teamID, "status": "stopped"})
}

func (s *Server) httpRestartPreview(c *gin.Context) {
	info, err := s.previews.RestartPreview(c.Request.Context(), c.Param("teamId"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) httpPreviewStatus(c *gin.Context) {
	status, err := s.previews.Status(c.Request.Context(), c.Param("teamId"))
	if err != nil {
		respondError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) httpPortStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.allocator.Stats())
}

// httpPreviewPassthrough is the public preview surface. The team prefix is
// stripped and the rest of the path handed to the team's reverse proxy, so
// the dev server sees the path the browser asked for and clients never learn
// a container port.
func (s *Server) httpPreviewPassthrough(c *gin.Context) {
	teamID := c.Param("teamId")
	handler, ok := s.proxies.Handler(teamID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no preview running for this team"})
		return
	}

	prefix := "/preview/" + teamID
	http.StripPrefix(prefix, handler).ServeHTTP(c.Writer, c.Request)
}
