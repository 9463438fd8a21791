// Package gateway exposes the HTTP API and the WebSocket terminal bridge.
// All preview traffic reaches containers through here as well: the public
// /preview/:teamId/ prefix is served by each team's registered proxy handler,
// so no container port ever appears in a client-facing URL.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/httpmw"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/common/portalloc"
	"github.com/crewdock/crewdock/internal/orchestrator"
	"github.com/crewdock/crewdock/internal/preview"
	"github.com/crewdock/crewdock/internal/preview/proxy"
)

// Server bundles the gin engine with the services the handlers call into.
// The HTTP listener itself lives in cmd/crewdock so shutdown ordering stays
// in one place.
type Server struct {
	agents    *orchestrator.Service
	previews  *preview.Orchestrator
	proxies   *proxy.Registry
	allocator *portalloc.Allocator
	logger    *logger.Logger
	router    *gin.Engine
}

// New builds the gateway and registers every route.
func New(
	agents *orchestrator.Service,
	previews *preview.Orchestrator,
	proxies *proxy.Registry,
	allocator *portalloc.Allocator,
	log *logger.Logger,
) *Server {
	s := &Server{
		agents:    agents,
		previews:  previews,
		proxies:   proxies,
		allocator: allocator,
		logger:    log.WithFields(zap.String("component", "gateway")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(s.logger, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))

	s.registerRoutes(router)
	s.router = router
	return s
}

// Router returns the configured engine for the HTTP server and for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	agents := api.Group("/agents")
	agents.POST("", s.httpSpawnAgent)
	agents.GET("", s.httpListAgents)
	agents.GET("/:id", s.httpGetAgent)
	agents.POST("/:id/messages", s.httpSendMessage)
	agents.POST("/:id/ready", s.httpMarkReady)
	agents.POST("/:id/complete", s.httpCompleteTask)
	agents.POST("/:id/heartbeat", s.httpHeartbeat)
	agents.POST("/:id/resize", s.httpResizeAgent)
	agents.GET("/:id/output", s.httpAgentOutput)
	agents.GET("/:id/notes", s.httpAgentNotes)
	agents.DELETE("/:id", s.httpDeleteAgent)

	teams := api.Group("/teams")
	teams.DELETE("/:teamId/agents", s.httpPurgeTeamAgents)
	teams.POST("/:teamId/preview/start", s.httpStartPreview)
	teams.POST("/:teamId/preview/stop", s.httpStopPreview)
	teams.POST("/:teamId/preview/restart", s.httpRestartPreview)
	teams.GET("/:teamId/preview", s.httpPreviewStatus)

	api.GET("/system/ports", s.httpPortStats)

	router.GET("/ws/agents/:id/terminal", s.handleTerminalWS)
	router.GET("/preview/:teamId/*path", s.httpPreviewPassthrough)

	router.GET("/health", s.httpHealth)
}

func (s *Server) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "crewdock",
	})
}
