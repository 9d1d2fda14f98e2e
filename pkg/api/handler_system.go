package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/steward-ai/steward/pkg/lifecycle"
	"github.com/steward-ai/steward/pkg/registry"
	"github.com/steward-ai/steward/pkg/resources"
	"github.com/steward-ai/steward/pkg/version"
)

// SystemStatusResponse is returned by GET /api/system/status.
type SystemStatusResponse struct {
	Version        string                  `json:"version"`
	UptimeSeconds  float64                 `json:"uptime_seconds"`
	ShutdownActive bool                    `json:"shutdown_active"`
	Providers      []registry.ProviderInfo `json:"providers"`
	Resources      *resources.Snapshot     `json:"resources,omitempty"`
	Initialization *lifecycle.StatusReport `json:"initialization,omitempty"`
}

// systemStatusHandler handles GET /api/system/status: provider and
// breaker state from the registry, the latest resource snapshot and the
// initialization report. Absent services are simply omitted.
func (s *Server) systemStatusHandler(c *gin.Context) {
	response := SystemStatusResponse{
		Version:       version.Full(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Providers:     []registry.ProviderInfo{},
	}

	if s.registry != nil {
		if info := s.registry.GetProviderInfo(""); info != nil {
			response.Providers = info
		}
	}
	if s.monitor != nil {
		snap := s.monitor.CurrentSnapshot()
		response.Resources = &snap
	}
	if s.initSvc != nil {
		report := s.initSvc.Status()
		response.Initialization = &report
	}
	if s.shutdown != nil {
		response.ShutdownActive = s.shutdown.ShutdownRequested()
	}

	c.JSON(http.StatusOK, response)
}
