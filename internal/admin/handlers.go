package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/tcp3h/internal/health"
	"github.com/vyrodovalexey/tcp3h/internal/server"
)

// Admin route paths.
const (
	PathHealth   = "/healthz"
	PathReady    = "/readyz"
	PathMetrics  = "/metrics"
	PathSessions = "/sessions"
)

// SessionsResponse is the body of the sessions endpoint.
type SessionsResponse struct {
	Active   int                  `json:"active"`
	Sessions []server.SessionInfo `json:"sessions"`
}

func (s *Server) registerRoutes() {
	s.engine.GET(PathHealth, s.handleHealth)
	s.engine.GET(PathReady, s.handleReady)
	s.engine.GET(PathSessions, s.handleSessions)
	if s.metrics != nil {
		s.engine.GET(PathMetrics, gin.WrapH(s.metrics.Handler()))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.checker.Health())
}

func (s *Server) handleReady(c *gin.Context) {
	resp := s.checker.Readiness()

	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.sessions == nil {
		c.JSON(http.StatusOK, SessionsResponse{Sessions: []server.SessionInfo{}})
		return
	}
	c.JSON(http.StatusOK, SessionsResponse{
		Active:   s.sessions.ActiveSessions(),
		Sessions: s.sessions.Sessions(),
	})
}
