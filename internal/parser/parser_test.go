package parser

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/printer-dashboard/relay/internal/models"
)

var testTime = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func TestParseSinglePair(t *testing.T) {
	msg, err := Parse([]byte("bedTemp:60.5"), testTime)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if msg.Kind != KindReadings {
		t.Fatalf("Expected readings, got kind %d", msg.Kind)
	}
	if len(msg.Readings) != 1 {
		t.Fatalf("Expected 1 reading, got %d", len(msg.Readings))
	}
	r := msg.Readings[0]
	if r.Metric != models.MetricBedTemp || r.Value != 60.5 {
		t.Errorf("Expected bedTemp=60.5, got %s=%v", r.Metric, r.Value)
	}
	if !r.ObservedAt.Equal(testTime) {
		t.Errorf("Expected observedAt %v, got %v", testTime, r.ObservedAt)
	}
	if msg.Format != "pairs" {
		t.Errorf("Expected pairs format, got %s", msg.Format)
	}
}

func TestParseMultiplePairsKeepsOrder(t *testing.T) {
	msg, err := Parse([]byte(` "nozzleTemp": 210.0 , bedTemp:61; printSpeed:95 `), testTime)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	want := []models.Metric{models.MetricNozzleTemp, models.MetricBedTemp, models.MetricPrintSpeed}
	if len(msg.Readings) != len(want) {
		t.Fatalf("Expected %d readings, got %d", len(want), len(msg.Readings))
	}
	for i, m := range want {
		if msg.Readings[i].Metric != m {
			t.Errorf("Reading %d: expected %s, got %s", i, m, msg.Readings[i].Metric)
		}
	}
}

func TestParseJSONObject(t *testing.T) {
	payload := "{\n  \"lineWidth\": 0.42,\n  \"predictedLineWidth\": 0.4,\n  \"nozzleDiameter\": 0.4\n}"
	msg, err := Parse([]byte(payload), testTime)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if msg.Format != "json" {
		t.Errorf("Expected json format, got %s", msg.Format)
	}
	if len(msg.Readings) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(msg.Readings))
	}
	if msg.Readings[0].Metric != models.MetricLineWidth || msg.Readings[0].Value != 0.42 {
		t.Errorf("Unexpected first reading: %+v", msg.Readings[0])
	}
	if msg.Readings[2].Metric != models.MetricNozzleDiameter {
		t.Errorf("Expected key order to be preserved, got %s last", msg.Readings[2].Metric)
	}
}

func TestParseBracedLooseObject(t *testing.T) {
	msg, err := Parse([]byte("{bedTemp:55, nozzleTemp:200}"), testTime)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if len(msg.Readings) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(msg.Readings))
	}
}

func TestParseControl(t *testing.T) {
	tests := []struct {
		in   string
		want Control
	}{
		{"request stored data", ControlRequestStoredData},
		{"  Request Stored Data ", ControlRequestStoredData},
		{"ping", ControlPing},
		{"PING", ControlPing},
	}
	for _, tt := range tests {
		msg, err := Parse([]byte(tt.in), testTime)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if msg.Kind != KindControl || msg.Control != tt.want {
			t.Errorf("Parse(%q) = %+v, want control %q", tt.in, msg, tt.want)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"no separator", "foo"},
		{"empty", "   "},
		{"unknown metric", "chamberTemp:40"},
		{"non numeric", "bedTemp:hot"},
		{"missing value", "bedTemp:"},
		{"nan", "bedTemp:NaN"},
		{"infinite", "nozzleTemp:+Inf"},
		{"out of range", "printSpeed:-5"},
		{"one bad pair spoils all", "bedTemp:60,foo"},
		{"newline in pairs", "bedTemp:60\nnozzleTemp:200"},
		{"json string value", `{"bedTemp":"60"}`},
		{"json nested", `{"bedTemp":{"v":60}}`},
		{"json unknown key", `{"bedTemp":60,"fan":1}`},
		{"only separators", ",;,"},
		{"case sensitive key", "BEDTEMP:60"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in), testTime)
			if err == nil {
				t.Fatalf("Expected error for %q", tt.in)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("Expected *ParseError, got %T", err)
			}
			if perr.Reason == "" {
				t.Error("Expected a reason")
			}
		})
	}
}

func TestFormatReadingRoundTrip(t *testing.T) {
	values := []float64{60.5, 210, 0.1 + 0.2, 1e-9, -12.25, math.Nextafter(0.4, 1)}
	for _, v := range values {
		frame := FormatReading(models.Reading{Metric: models.MetricBedTemp, Value: v})
		msg, err := Parse(frame, testTime)
		if err != nil {
			t.Fatalf("Parse(%q): %v", frame, err)
		}
		if got := msg.Readings[0].Value; got != v {
			t.Errorf("Round trip of %v through %q gave %v", v, frame, got)
		}
	}
}

func TestFormatReading(t *testing.T) {
	got := string(FormatReading(models.Reading{Metric: models.MetricNozzleTemp, Value: 210}))
	if got != "nozzleTemp:210" {
		t.Errorf("Expected nozzleTemp:210, got %s", got)
	}
}

func TestRegistryFindFormat(t *testing.T) {
	r := NewRegistry()
	f, err := r.FindFormat(`{"bedTemp":1}`)
	if err != nil || f.Name() != "json" {
		t.Errorf("Expected json format, got %v, %v", f, err)
	}
	if _, ok := r.GetFormatByName("PAIRS"); !ok {
		t.Error("Expected pairs format to be found by name")
	}
	if _, err := r.FindFormat("hello"); err == nil {
		t.Error("Expected no format for plain text")
	}
}
