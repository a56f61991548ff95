// Package api contains the HTTP surface of the workflow service.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/orchestrator"
	"ai-workflows/backend/internal/services"
	"ai-workflows/backend/internal/telemetry"
)

// Version is reported by the health endpoint.
var Version = "dev"

// StreamConfig bounds streamed responses.
type StreamConfig struct {
	QueueSize        int
	MinFlushInterval time.Duration
}

// Handler contains HTTP handlers for the workflow REST API
type Handler struct {
	orch     *orchestrator.Orchestrator
	profiles services.ProfileResolver
	stream   StreamConfig
	log      *logging.Logger
	tel      *telemetry.Telemetry
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(orch *orchestrator.Orchestrator, profiles services.ProfileResolver, stream StreamConfig, log *logging.Logger, tel *telemetry.Telemetry) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	if tel == nil {
		tel = telemetry.Nop()
	}
	if stream.QueueSize <= 0 {
		stream.QueueSize = 64
	}
	return &Handler{orch: orch, profiles: profiles, stream: stream, log: log.Component("api"), tel: tel}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Service:   "ai-workflows",
		Version:   Version,
	})
}

// RegisterHandlers mounts the workflow endpoints under g. Callers attach
// authentication to g.
func RegisterHandlers(g *echo.Group, h *Handler) {
	g.POST("/v1/workflows/", h.PostWorkflow)
	g.GET("/v1/profile/", h.GetProfile)
}
