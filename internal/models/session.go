package models

import "time"

// SessionState represents the lifecycle state of a viewer connection.
type SessionState string

const (
	SessionStateAuthenticating SessionState = "authenticating"
	SessionStateActive         SessionState = "active"
	SessionStateClosed         SessionState = "closed"
)

// SessionInfo is the read-only view of a session exposed over the API.
type SessionInfo struct {
	ID          uint64       `json:"id"`
	ConnID      string       `json:"connId"`
	Protocol    string       `json:"protocol,omitempty"`
	RemoteAddr  string       `json:"remoteAddr,omitempty"`
	State       SessionState `json:"state"`
	ConnectedAt time.Time    `json:"connectedAt"`
	Queued      int          `json:"queued"`
}
