package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/printer-dashboard/relay/internal/relay"
	"github.com/printer-dashboard/relay/internal/session"
)

// WebSocketOptions tune the per-connection read side.
type WebSocketOptions struct {
	MaxMessageSize int64
	PingInterval   time.Duration
}

// wsTransport adapts a gorilla connection to session.Transport. Only the
// session's pump calls WriteText; WriteControl and Close are safe to call
// concurrently with it.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteText(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WriteClose(code int, reason string, deadline time.Time) error {
	return t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WebSocketHandler upgrades viewer and producer connections and feeds their
// frames to the relay
type WebSocketHandler struct {
	relay    RelayService
	upgrader websocket.Upgrader
	opts     WebSocketOptions
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(r RelayService, opts WebSocketOptions, logger *slog.Logger) *WebSocketHandler {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		relay: r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(req *http.Request) bool {
				// Dashboards are served from other origins during development
				return true
			},
			Subprotocols:    r.AllowedProtocols(),
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
		},
		opts:   opts,
		logger: logger.With("component", "websocket"),
	}
}

// HandleRoot upgrades WebSocket requests made to "/" and passes every other
// request to fallback.
func (wsh *WebSocketHandler) HandleRoot(fallback echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if websocket.IsWebSocketUpgrade(c.Request()) {
			return wsh.HandleWebSocket(c)
		}
		if fallback == nil {
			return echo.ErrNotFound
		}
		return fallback(c)
	}
}

// HandleWebSocket upgrades the connection, authenticates it before reading
// anything, then runs the read loop until the client goes away.
func (wsh *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	req := c.Request()
	ws, err := wsh.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		wsh.logger.Debug("upgrade failed", "error", err)
		return nil
	}

	protocol := ws.Subprotocol()
	if protocol == "" {
		if requested := websocket.Subprotocols(req); len(requested) > 0 {
			protocol = requested[0]
		}
	}

	sess, err := wsh.relay.Admit(&wsTransport{conn: ws}, relay.AdmitRequest{
		Protocol:   protocol,
		Token:      c.QueryParam("token"),
		RemoteAddr: c.RealIP(),
	})
	if err != nil {
		return nil
	}
	defer wsh.relay.Release(sess.ID())

	ws.SetReadLimit(wsh.opts.MaxMessageSize)
	if wsh.opts.PingInterval > 0 {
		wait := 2 * wsh.opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
		go wsh.keepAlive(ws, sess)
	}

	logger := wsh.logger.With("session", sess.ID(), "conn_id", sess.ConnID())
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Warn("connection error", "error", err)
			}
			return nil
		}
		if mt != websocket.TextMessage {
			logger.Warn("ignoring non-text frame", "type", mt, "bytes", len(data))
			continue
		}
		if err := wsh.relay.HandleMessage(sess, data); err != nil {
			logger.Debug("message not accepted", "error", err)
		}
	}
}

func (wsh *WebSocketHandler) keepAlive(ws *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(wsh.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsh.opts.PingInterval)); err != nil {
				return
			}
		}
	}
}
