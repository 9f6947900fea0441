// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/printer-dashboard/relay/internal/models"
	"github.com/printer-dashboard/relay/internal/relay"
	"github.com/printer-dashboard/relay/internal/session"
	"github.com/printer-dashboard/relay/internal/storage"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// TelemetryHandler serves read-only views of relay state
type TelemetryHandler interface {
	HandleSnapshot(c echo.Context) error
	HandleSessions(c echo.Context) error
	HandleExport(c echo.Context) error
}

// StreamHandler accepts WebSocket clients
type StreamHandler interface {
	HandleWebSocket(c echo.Context) error
	HandleRoot(fallback echo.HandlerFunc) echo.HandlerFunc
}

// RelayService defines what the HTTP layer needs from the relay.
// This allows mocking in tests
type RelayService interface {
	Admit(t session.Transport, req relay.AdmitRequest) (*session.Session, error)
	HandleMessage(sess *session.Session, raw []byte) error
	Release(id uint64) bool
	Snapshot() models.Snapshot
	Sessions() []models.SessionInfo
	Stats() relay.Stats
	AllowedProtocols() []string
}

// LogExporter streams the durable log
type LogExporter interface {
	OpenExport(format storage.ExportFormat) (*storage.ExportStream, error)
}
