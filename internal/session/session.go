package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/printer-dashboard/relay/internal/models"
)

// WebSocket close codes used by the relay (RFC 6455 section 7.4.1).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// DefaultQueueSize is the outbox capacity used when none is configured.
const DefaultQueueSize = 256

// DefaultSendTimeout bounds a single frame write when none is configured.
const DefaultSendTimeout = 5 * time.Second

var (
	// ErrQueueFull is returned by Enqueue when the session cannot keep up.
	ErrQueueFull = errors.New("session outbox full")
	// ErrSessionClosed is returned by Enqueue after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Transport is the per-client message channel. Implementations must allow
// WriteClose and Close to be called concurrently with WriteText.
type Transport interface {
	WriteText(data []byte, deadline time.Time) error
	WriteClose(code int, reason string, deadline time.Time) error
	Close() error
}

// Options configure a new Session.
type Options struct {
	ConnID      string
	Protocol    string
	RemoteAddr  string
	QueueSize   int
	SendTimeout time.Duration
}

// Session is one connected client. Frames are queued with Enqueue and
// written by Pump on a single goroutine, so a session observes frames in
// the order they were queued.
type Session struct {
	id          uint64
	connID      string
	protocol    string
	remoteAddr  string
	connectedAt time.Time
	sendTimeout time.Duration

	transport Transport
	state     atomic.Value // models.SessionState
	outbox    chan []byte

	mu        sync.Mutex // guards the Active -> Closed transition and outbox sends
	done      chan struct{}
	markOnce  sync.Once
	closeOnce sync.Once
}

// New creates a session in the Authenticating state.
func New(id uint64, t Transport, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	s := &Session{
		id:          id,
		connID:      opts.ConnID,
		protocol:    opts.Protocol,
		remoteAddr:  opts.RemoteAddr,
		connectedAt: time.Now(),
		sendTimeout: opts.SendTimeout,
		transport:   t,
		outbox:      make(chan []byte, opts.QueueSize),
		done:        make(chan struct{}),
	}
	s.state.Store(models.SessionStateAuthenticating)
	return s
}

// ID returns the process-unique session number.
func (s *Session) ID() uint64 { return s.id }

// ConnID returns the connection id used to correlate log lines.
func (s *Session) ConnID() string { return s.connID }

// Protocol returns the sub-protocol the client negotiated.
func (s *Session) Protocol() string { return s.protocol }

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	return s.state.Load().(models.SessionState)
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Activate moves an Authenticating session to Active. It reports false if
// the session was already closed.
func (s *Session) Activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != models.SessionStateAuthenticating {
		return false
	}
	s.state.Store(models.SessionStateActive)
	return true
}

// Enqueue queues a frame without blocking.
func (s *Session) Enqueue(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == models.SessionStateClosed {
		return ErrSessionClosed
	}
	select {
	case s.outbox <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pump writes queued frames until the session is closed or a write fails.
// Each write is bounded by the session's send timeout. It returns nil when
// the session was closed and the write error otherwise.
func (s *Session) Pump() error {
	for {
		select {
		case <-s.done:
			return nil
		case frame := <-s.outbox:
			select {
			case <-s.done:
				return nil
			default:
			}
			if err := s.transport.WriteText(frame, time.Now().Add(s.sendTimeout)); err != nil {
				return err
			}
		}
	}
}

// MarkClosed moves the session to Closed and cancels pending deliveries
// without touching the transport. Enqueue fails from the moment it returns.
// It reports whether this call made the transition.
func (s *Session) MarkClosed() bool {
	marked := false
	s.markOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(models.SessionStateClosed)
		close(s.done)
		s.mu.Unlock()
		marked = true
	})
	return marked
}

// Close sends a close frame with the given status, releases the transport
// and cancels pending deliveries. Only the first call has any effect, even
// if the session was already marked closed.
func (s *Session) Close(code int, reason string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.MarkClosed()
		_ = s.transport.WriteClose(code, reason, time.Now().Add(s.sendTimeout))
		_ = s.transport.Close()
		closed = true
	})
	return closed
}

// Abort releases the transport without a close handshake. It unblocks a
// Close that is stuck writing the close frame.
func (s *Session) Abort() {
	_ = s.transport.Close()
}

// Info returns a read-only view of the session.
func (s *Session) Info() models.SessionInfo {
	return models.SessionInfo{
		ID:          s.id,
		ConnID:      s.connID,
		Protocol:    s.protocol,
		RemoteAddr:  s.remoteAddr,
		State:       s.State(),
		ConnectedAt: s.connectedAt,
		Queued:      len(s.outbox),
	}
}
