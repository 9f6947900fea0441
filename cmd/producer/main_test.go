package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay accepts one token and records every text frame it receives.
type fakeRelay struct {
	mu       sync.Mutex
	frames   []string
	protocol string
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{Subprotocols: []string{"testing"}}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.protocol = conn.Subprotocol()
	f.mu.Unlock()

	if r.URL.Query().Get("token") != "good" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Invalid token"), time.Now().Add(time.Second))
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, string(data))
		f.mu.Unlock()
	}
}

func (f *fakeRelay) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func startFake(t *testing.T) (*fakeRelay, string) {
	t.Helper()
	f := &fakeRelay{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func TestTransmit_SendsFileAsOneFrame(t *testing.T) {
	f, url := startFake(t)
	payload := []byte("{\n  \"bedTemp\": 60.5,\n  \"nozzleTemp\": 210\n}\n")

	sent, err := transmit(context.Background(), options{URL: url, Token: "good", Protocol: "testing"}, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Eventually(t, func() bool { return len(f.received()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, string(payload), f.received()[0])
	assert.Equal(t, "testing", f.protocol)
}

func TestTransmit_Interval(t *testing.T) {
	f, url := startFake(t)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	sent, err := transmit(ctx, options{URL: url, Token: "good", Protocol: "testing", Interval: 20 * time.Millisecond}, []byte("bedTemp:60"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sent, 2)

	require.Eventually(t, func() bool { return len(f.received()) == sent }, time.Second, 10*time.Millisecond)
}

func TestTransmit_Rejected(t *testing.T) {
	_, url := startFake(t)

	_, err := transmit(context.Background(), options{URL: url, Token: "bad", Protocol: "testing"}, []byte("bedTemp:60"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid token")
}
