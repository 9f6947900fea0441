// Package models contains domain types for the printer telemetry relay.
package models

import (
	"fmt"
	"math"
	"time"
)

// Metric identifies one of the printer measurements carried by the relay.
type Metric string

const (
	MetricBedTemp            Metric = "bedTemp"
	MetricNozzleTemp         Metric = "nozzleTemp"
	MetricPrintSpeed         Metric = "printSpeed"
	MetricLineWidth          Metric = "lineWidth"
	MetricPredictedLineWidth Metric = "predictedLineWidth"
	MetricNozzleDiameter     Metric = "nozzleDiameter"
)

// valueRange is the inclusive range a metric's value must fall into.
type valueRange struct {
	min, max float64
}

var metricRanges = map[Metric]valueRange{
	MetricBedTemp:            {-273.15, 1000},
	MetricNozzleTemp:         {-273.15, 1000},
	MetricPrintSpeed:         {0, 10000},
	MetricLineWidth:          {0, 100},
	MetricPredictedLineWidth: {0, 100},
	MetricNozzleDiameter:     {0, 100},
}

// AllMetrics returns the metric enumeration in display order.
func AllMetrics() []Metric {
	return []Metric{
		MetricBedTemp,
		MetricNozzleTemp,
		MetricPrintSpeed,
		MetricLineWidth,
		MetricPredictedLineWidth,
		MetricNozzleDiameter,
	}
}

// ParseMetric maps a wire key onto the enumeration. Keys are case-sensitive.
func ParseMetric(key string) (Metric, bool) {
	m := Metric(key)
	_, ok := metricRanges[m]
	return m, ok
}

// Valid reports whether m belongs to the enumeration.
func (m Metric) Valid() bool {
	_, ok := metricRanges[m]
	return ok
}

// CheckValue returns an error when v is not finite or outside the metric's range.
func (m Metric) CheckValue(v float64) error {
	r, ok := metricRanges[m]
	if !ok {
		return fmt.Errorf("unknown metric %q", string(m))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s: value is not finite", m)
	}
	if v < r.min || v > r.max {
		return fmt.Errorf("%s: value %g outside [%g, %g]", m, v, r.min, r.max)
	}
	return nil
}

// Reading is a single observed value for one metric. Readings are never
// mutated after creation.
type Reading struct {
	Metric     Metric    `json:"metric" msgpack:"metric"`
	Value      float64   `json:"value" msgpack:"value"`
	ObservedAt time.Time `json:"observedAt" msgpack:"observedAt"`
}

// Snapshot maps each metric to the most recently accepted reading for it.
type Snapshot map[Metric]Reading

// Values flattens the snapshot into metric -> value, for JSON responses.
func (s Snapshot) Values() map[Metric]float64 {
	out := make(map[Metric]float64, len(s))
	for m, r := range s {
		out[m] = r.Value
	}
	return out
}

// Ordered returns the snapshot's readings in enumeration order.
func (s Snapshot) Ordered() []Reading {
	out := make([]Reading, 0, len(s))
	for _, m := range AllMetrics() {
		if r, ok := s[m]; ok {
			out = append(out, r)
		}
	}
	return out
}
