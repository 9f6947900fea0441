// handlers_telemetry.go - Snapshot, session list and log export handlers
package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/printer-dashboard/relay/internal/models"
	"github.com/printer-dashboard/relay/internal/storage"
)

// SnapshotResponse is the body of GET /api/snapshot
type SnapshotResponse struct {
	Readings []models.Reading          `json:"readings"`
	Values   map[models.Metric]float64 `json:"values"`
}

// TelemetryHandlerImpl implements the TelemetryHandler interface
type TelemetryHandlerImpl struct {
	relay  RelayService
	log    LogExporter
	logger *slog.Logger
}

// NewTelemetryHandler creates a new telemetry handler
func NewTelemetryHandler(r RelayService, log LogExporter, logger *slog.Logger) TelemetryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelemetryHandlerImpl{relay: r, log: log, logger: logger.With("component", "api")}
}

// HandleSnapshot returns the latest reading per metric
func (h *TelemetryHandlerImpl) HandleSnapshot(c echo.Context) error {
	snap := h.relay.Snapshot()
	return c.JSON(http.StatusOK, SnapshotResponse{
		Readings: snap.Ordered(),
		Values:   snap.Values(),
	})
}

// HandleSessions lists connected sessions
func (h *TelemetryHandlerImpl) HandleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.relay.Sessions())
}

// HandleExport streams the whole durable log as a download
func (h *TelemetryHandlerImpl) HandleExport(c echo.Context) error {
	if h.log == nil {
		return NewServiceUnavailableError("durable log is not available")
	}
	format, err := storage.ParseExportFormat(c.QueryParam("format"))
	if err != nil {
		return NewBadRequestError("invalid export format", err)
	}

	stream, err := h.log.OpenExport(format)
	if err != nil {
		h.logger.Warn("export unavailable", "format", format, "error", err)
		return NewServiceUnavailableError("durable log is not available")
	}
	defer stream.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, format.ContentType())
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", format.Filename()))
	res.WriteHeader(http.StatusOK)

	n, err := stream.WriteTo(res)
	if err != nil {
		// Headers are already sent; the client sees a truncated body
		h.logger.Error("export failed", "format", format, "written", n, "error", err)
		return nil
	}
	h.logger.Info("exported log", "format", format, "bytes", n)
	return nil
}
