package models

import "time"

// LogRecord is one entry of the durable log. A record holds every reading
// accepted from a single inbound message; Seq is assigned by the log.
type LogRecord struct {
	Seq        uint64    `json:"seq" msgpack:"seq"`
	Source     string    `json:"source" msgpack:"source"`
	ReceivedAt time.Time `json:"receivedAt" msgpack:"receivedAt"`
	Readings   []Reading `json:"readings" msgpack:"readings"`
}

// FoldInto merges the record's readings into snap in order.
func (r LogRecord) FoldInto(snap Snapshot) {
	for _, rd := range r.Readings {
		snap[rd.Metric] = rd
	}
}
