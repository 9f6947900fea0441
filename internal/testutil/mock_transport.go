// mock_transport.go - In-memory session transport for relay tests
package testutil

import (
	"errors"
	"sync"
	"time"
)

// ErrTransportClosed is returned by writes after Close.
var ErrTransportClosed = errors.New("transport closed")

// ErrWriteTimeout is returned when a blocked write reaches its deadline.
var ErrWriteTimeout = errors.New("write deadline exceeded")

// CloseFrame records one close frame sent to the client.
type CloseFrame struct {
	Code   int
	Reason string
}

// MockTransport implements session.Transport and records everything written.
type MockTransport struct {
	mu         sync.Mutex
	frames     []string
	closes     []CloseFrame
	closed     bool
	closeCalls int
	writeErr   error
	blocked    chan struct{}
	gone       chan struct{}
}

// NewMockTransport creates a transport that accepts every write.
func NewMockTransport() *MockTransport {
	return &MockTransport{gone: make(chan struct{})}
}

func (m *MockTransport) WriteText(data []byte, deadline time.Time) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	if m.writeErr != nil {
		err := m.writeErr
		m.mu.Unlock()
		return err
	}
	blocked := m.blocked
	m.mu.Unlock()

	if blocked != nil {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-blocked:
		case <-m.gone:
			return ErrTransportClosed
		case <-timer.C:
			return ErrWriteTimeout
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTransportClosed
	}
	m.frames = append(m.frames, string(data))
	return nil
}

func (m *MockTransport) WriteClose(code int, reason string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrTransportClosed
	}
	m.closes = append(m.closes, CloseFrame{Code: code, Reason: reason})
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if !m.closed {
		m.closed = true
		close(m.gone)
	}
	return nil
}

// Block makes subsequent writes stall until Unblock, Close or their deadline.
func (m *MockTransport) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked == nil {
		m.blocked = make(chan struct{})
	}
}

// Unblock releases stalled writes.
func (m *MockTransport) Unblock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked != nil {
		close(m.blocked)
		m.blocked = nil
	}
}

// SetWriteError makes every later WriteText fail with err.
func (m *MockTransport) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Frames returns a copy of the text frames written so far.
func (m *MockTransport) Frames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.frames))
	copy(out, m.frames)
	return out
}

// Closes returns the close frames written so far.
func (m *MockTransport) Closes() []CloseFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CloseFrame, len(m.closes))
	copy(out, m.closes)
	return out
}

// CloseCalls counts calls to Close.
func (m *MockTransport) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// IsClosed reports whether Close has been called.
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// WaitFrames polls until at least n frames were written or timeout elapses.
func (m *MockTransport) WaitFrames(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(m.Frames()) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return len(m.Frames()) >= n
}

// WaitClosed polls until the transport is closed or timeout elapses.
func (m *MockTransport) WaitClosed(timeout time.Duration) bool {
	select {
	case <-m.gone:
		return true
	case <-time.After(timeout):
		return false
	}
}
