// Package httpapi provides the thin gin-based admin surface over the
// Pool Manager's status and manual-trigger operations, plus a liveness
// probe and the Prometheus metrics endpoint, grounded on the teacher's
// internal/server package conventions.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/pool"
)

// Server is the admin HTTP surface wrapping a gin.Engine.
type Server struct {
	engine *gin.Engine
	pool   *pool.Manager
}

// New builds a Server exposing the Pool Manager's diagnostics. devMode
// mirrors the teacher's gin.SetMode(gin.DebugMode) toggle.
func New(poolManager *pool.Manager, devMode bool) *Server {
	if devMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, pool: poolManager}
	s.setupRoutes()
	return s
}

// Engine returns the underlying gin.Engine, for embedding in an
// http.Server.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/admin")
	admin.GET("/pool/status", s.handlePoolStatus)
	admin.POST("/pool/health-check", s.handleTriggerHealthCheck)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type poolStatusView struct {
	pool.Status
	RecommendedStrategyLabel string `json:"recommendedStrategyLabel"`
}

func (s *Server) handlePoolStatus(c *gin.Context) {
	statuses := s.pool.GetStatus()
	view := make(map[domain.ServiceType]poolStatusView, len(statuses))
	for st, status := range statuses {
		view[st] = poolStatusView{
			Status:                   status,
			RecommendedStrategyLabel: s.pool.RecommendedStrategy(st).Label(),
		}
	}
	c.JSON(http.StatusOK, view)
}

type triggerRequest struct {
	ServiceType string `json:"serviceType"`
}

func (s *Server) handleTriggerHealthCheck(c *gin.Context) {
	var req triggerRequest
	_ = c.ShouldBindJSON(&req)

	var serviceType *domain.ServiceType
	if req.ServiceType != "" {
		st := domain.ServiceType(req.ServiceType)
		serviceType = &st
	}

	s.pool.TriggerHealthCheck(c.Request.Context(), serviceType)
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}
