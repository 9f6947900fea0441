// Package parser decodes inbound relay frames into readings or control
// commands, and encodes readings into outbound broadcast frames.
package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/printer-dashboard/relay/internal/models"
)

// Control is an opaque command sent by a client instead of readings.
type Control string

const (
	ControlRequestStoredData Control = "request stored data"
	ControlPing              Control = "ping"
)

// ReplyPong is sent back to a client that issued ControlPing.
const ReplyPong = "pong"

var controls = map[string]Control{
	string(ControlRequestStoredData): ControlRequestStoredData,
	string(ControlPing):              ControlPing,
}

// Kind tags the variant held by a Message.
type Kind int

const (
	KindReadings Kind = iota
	KindControl
)

// Message is the decoded form of one inbound frame.
type Message struct {
	Kind     Kind
	Control  Control
	Readings []models.Reading
	Format   string // name of the Format that decoded the readings
}

// ParseError describes why a frame was rejected.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	in := e.Input
	if len(in) > 64 {
		in = in[:64] + "..."
	}
	return fmt.Sprintf("parse %q: %s", in, e.Reason)
}

func newParseError(input, format string, args ...any) *ParseError {
	return &ParseError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes a frame with the global registry.
func Parse(raw []byte, observedAt time.Time) (Message, error) {
	return globalRegistry.Parse(raw, observedAt)
}

// Parse decodes one inbound text frame. Readings are stamped with
// observedAt. The whole frame is rejected if any pair in it is invalid.
func (r *Registry) Parse(raw []byte, observedAt time.Time) (Message, error) {
	payload := strings.TrimSpace(string(raw))
	if payload == "" {
		return Message{}, newParseError(payload, "empty message")
	}

	if c, ok := controls[strings.ToLower(payload)]; ok {
		return Message{Kind: KindControl, Control: c}, nil
	}

	f, err := r.FindFormat(payload)
	if err != nil {
		return Message{}, err
	}

	readings, err := f.Parse(payload, observedAt)
	if err != nil {
		return Message{}, err
	}
	if len(readings) == 0 {
		return Message{}, newParseError(payload, "no readings")
	}

	return Message{Kind: KindReadings, Readings: readings, Format: f.Name()}, nil
}

// newReading validates one key/value pair.
func newReading(payload, key string, value float64, observedAt time.Time) (models.Reading, error) {
	m, ok := models.ParseMetric(key)
	if !ok {
		return models.Reading{}, newParseError(payload, "unknown metric %q", key)
	}
	if err := m.CheckValue(value); err != nil {
		return models.Reading{}, newParseError(payload, "%v", err)
	}
	return models.Reading{Metric: m, Value: value, ObservedAt: observedAt}, nil
}

// FormatReading encodes a reading as an outbound "key:value" frame. The
// shortest representation that round-trips to the same float64 is used.
func FormatReading(r models.Reading) []byte {
	b := make([]byte, 0, len(r.Metric)+24)
	b = append(b, r.Metric...)
	b = append(b, ':')
	return strconv.AppendFloat(b, r.Value, 'g', -1, 64)
}
