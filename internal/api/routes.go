// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Relay     RelayService
	Log       LogExporter
	Metrics   http.Handler
	Version   string
	Logger    *slog.Logger
	WebSocket WebSocketOptions
	// Index serves non-upgrade requests to "/"
	Index echo.HandlerFunc
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Telemetry TelemetryHandler
	Stream    StreamHandler
	metrics   http.Handler
	index     echo.HandlerFunc
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Relay),
		Telemetry: NewTelemetryHandler(deps.Relay, deps.Log, deps.Logger),
		Stream:    NewWebSocketHandler(deps.Relay, deps.WebSocket, deps.Logger),
		metrics:   deps.Metrics,
		index:     deps.Index,
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)

	// WebSocket endpoints; "/" also serves the dashboard to plain requests
	e.GET("/", handlers.Stream.HandleRoot(handlers.index))
	e.GET("/ws", handlers.Stream.HandleWebSocket)

	apiGroup := e.Group("/api")
	apiGroup.GET("/health", handlers.Health.HandleHealth)
	apiGroup.GET("/snapshot", handlers.Telemetry.HandleSnapshot)
	apiGroup.GET("/sessions", handlers.Telemetry.HandleSessions)
	apiGroup.GET("/export", handlers.Telemetry.HandleExport)

	if handlers.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(handlers.metrics))
	}
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler
}
