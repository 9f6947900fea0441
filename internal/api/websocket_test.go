package api

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/printer-dashboard/relay/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*testEnv, string) {
	t.Helper()
	env := newTestEnv(t)
	srv := httptest.NewServer(env.e)
	t.Cleanup(srv.Close)
	return env, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, path, protocol, token string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{
		Subprotocols:     []string{protocol},
		HandshakeTimeout: time.Second,
	}
	conn, _, err := d.Dial(url+path+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	return ce
}

func waitSessions(t *testing.T, env *testEnv, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return env.relay.Stats().Sessions == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	env, url := startServer(t)
	conn := dial(t, url, "/", "testing", "wrong")

	ce := readClose(t, conn)
	assert.Equal(t, session.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "Invalid token", ce.Text)
	assert.Equal(t, 0, env.relay.Stats().Sessions)
}

func TestWebSocket_RejectsBadSubprotocol(t *testing.T) {
	env, url := startServer(t)
	conn := dial(t, url, "/ws", "chat", testToken)

	ce := readClose(t, conn)
	assert.Equal(t, session.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "Invalid subprotocol", ce.Text)
	assert.Equal(t, 0, env.relay.Stats().Sessions)
}

func TestWebSocket_NegotiatesSubprotocol(t *testing.T) {
	env, url := startServer(t)
	conn := dial(t, url, "/", "secure-guelph-user", testToken)
	assert.Equal(t, "secure-guelph-user", conn.Subprotocol())
	waitSessions(t, env, 1)

	list := env.relay.Sessions()
	require.Len(t, list, 1)
	assert.Equal(t, "secure-guelph-user", list[0].Protocol)
}

func TestWebSocket_ProducerToViewer(t *testing.T) {
	env, url := startServer(t)
	viewer := dial(t, url, "/", "secure-guelph-user", testToken)
	producer := dial(t, url, "/", "testing", testToken)
	waitSessions(t, env, 2)

	for _, m := range []string{"bedTemp:60.5", "nozzleTemp:210.0", "bedTemp:61.0"} {
		require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte(m)))
	}

	assert.Equal(t, "bedTemp:60.5", readText(t, viewer))
	assert.Equal(t, "nozzleTemp:210", readText(t, viewer))
	assert.Equal(t, "bedTemp:61", readText(t, viewer))
	assert.Equal(t, uint64(3), env.log.Len())
}

func TestWebSocket_MalformedAndBinaryIgnored(t *testing.T) {
	env, url := startServer(t)
	viewer := dial(t, url, "/", "testing", testToken)
	producer := dial(t, url, "/", "testing", testToken)
	waitSessions(t, env, 2)

	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte("foo")))
	require.NoError(t, producer.WriteMessage(websocket.BinaryMessage, []byte("bedTemp:99")))
	require.NoError(t, producer.WriteMessage(websocket.TextMessage, []byte("printSpeed:80")))

	assert.Equal(t, "printSpeed:80", readText(t, viewer))
	assert.Equal(t, uint64(1), env.log.Len())
	assert.Equal(t, 2, env.relay.Stats().Sessions, "malformed input does not disconnect the producer")
}

func TestWebSocket_RequestStoredData(t *testing.T) {
	env, url := startServer(t)
	env.ingest(t, "nozzleTemp:205", "bedTemp:55")

	conn := dial(t, url, "/", "testing", testToken)
	waitSessions(t, env, 1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("request stored data")))

	assert.Equal(t, "bedTemp:55", readText(t, conn))
	assert.Equal(t, "nozzleTemp:205", readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readText(t, conn))
}

func TestWebSocket_ClientDisconnectReleasesSession(t *testing.T) {
	env, url := startServer(t)
	conn := dial(t, url, "/", "testing", testToken)
	waitSessions(t, env, 1)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	conn.Close()

	waitSessions(t, env, 0)
}

func TestWebSocket_ShutdownSendsGoingAway(t *testing.T) {
	env, url := startServer(t)
	a := dial(t, url, "/", "testing", testToken)
	b := dial(t, url, "/", "secure-guelph-user", testToken)
	waitSessions(t, env, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.relay.Shutdown(ctx))

	for _, conn := range []*websocket.Conn{a, b} {
		ce := readClose(t, conn)
		assert.Equal(t, session.CloseGoingAway, ce.Code)
		assert.Equal(t, "Server shutting down", ce.Text)
	}
}
