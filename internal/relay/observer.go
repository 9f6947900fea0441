package relay

import "time"

// Observer receives relay events. The Prometheus implementation lives in
// internal/metrics.
type Observer interface {
	SessionAdmitted()
	SessionRejected(reason string)
	SessionReleased(cause string)
	MessageIngested(readings int)
	MessageMalformed()
	AppendCompleted(d time.Duration, err error)
	UnitsQueued(n int)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SessionAdmitted() {}
func (NopObserver) SessionRejected(string) {}
func (NopObserver) SessionReleased(string) {}
func (NopObserver) MessageIngested(int) {}
func (NopObserver) MessageMalformed() {}
func (NopObserver) AppendCompleted(time.Duration, error) {}
func (NopObserver) UnitsQueued(int) {}

// Release causes reported to Observer.SessionReleased.
const (
	CauseClient    = "client"
	CauseSlow      = "slow"
	CauseTransport = "transport"
	CauseShutdown  = "shutdown"
)
