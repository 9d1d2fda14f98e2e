// Package api exposes the HTTP surface: health, system status, the
// emergency kill-switch endpoint and Prometheus metrics.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steward-ai/steward/pkg/control"
	"github.com/steward-ai/steward/pkg/database"
	"github.com/steward-ai/steward/pkg/lifecycle"
	"github.com/steward-ai/steward/pkg/registry"
	"github.com/steward-ai/steward/pkg/resources"
)

// Server carries the service handles the HTTP handlers read from.
// Every field except db may be nil; handlers degrade to partial
// responses or 503 rather than panicking.
type Server struct {
	db       *database.Client
	registry *registry.Registry
	monitor  *resources.Monitor
	control  *control.Service
	initSvc  *lifecycle.InitService
	shutdown *lifecycle.ShutdownService
	gatherer prometheus.Gatherer
	started  time.Time
}

// NewServer creates the API server.
func NewServer(db *database.Client, reg *registry.Registry, monitor *resources.Monitor,
	ctrl *control.Service, initSvc *lifecycle.InitService,
	shutdown *lifecycle.ShutdownService, gatherer prometheus.Gatherer) *Server {
	return &Server{
		db:       db,
		registry: reg,
		monitor:  monitor,
		control:  ctrl,
		initSvc:  initSvc,
		shutdown: shutdown,
		gatherer: gatherer,
		started:  time.Now(),
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(securityHeaders())

	router.GET("/health", s.healthHandler)
	router.GET("/api/system/status", s.systemStatusHandler)
	router.POST("/emergency/shutdown", s.emergencyShutdownHandler)
	router.GET("/emergency/test", s.emergencyTestHandler)

	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
