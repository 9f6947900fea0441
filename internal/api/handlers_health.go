// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	relay   RelayService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, r RelayService) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		relay:   r,
	}
}

// HandleHealth returns server health status. It reports 503 once shutdown
// has begun so load balancers stop routing new viewers here.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	stats := h.relay.Stats()
	status, code := "ok", http.StatusOK
	if stats.ShuttingDown {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status":  status,
		"version": h.version,
		"stats":   stats,
	})
}
