package relay

import "errors"

var (
	// ErrAuthRejected is returned by Admit for a bad sub-protocol or token.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrMalformedInput marks a frame that could not be turned into readings.
	ErrMalformedInput = errors.New("malformed input")
	// ErrPersistence marks an update that could not be appended to the log.
	ErrPersistence = errors.New("persistence failure")
	// ErrTransport marks a failed send or receive on one session.
	ErrTransport = errors.New("transport failure")
	// ErrShutdownTimeout is returned by Shutdown when the grace period expires.
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
	// ErrRelayClosed is returned once Shutdown has started.
	ErrRelayClosed = errors.New("relay is shutting down")
)
