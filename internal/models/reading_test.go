package models

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetric(t *testing.T) {
	for _, m := range AllMetrics() {
		got, ok := ParseMetric(string(m))
		require.True(t, ok, "metric %s", m)
		assert.Equal(t, m, got)
	}

	for _, key := range []string{"", "foo", "BedTemp", "bedtemp", "chamberTemp"} {
		_, ok := ParseMetric(key)
		assert.False(t, ok, "key %q", key)
	}
}

func TestMetric_CheckValue(t *testing.T) {
	tests := []struct {
		name    string
		metric  Metric
		value   float64
		wantErr bool
	}{
		{"bed temp in range", MetricBedTemp, 60.5, false},
		{"absolute zero", MetricNozzleTemp, -273.15, false},
		{"below absolute zero", MetricNozzleTemp, -300, true},
		{"too hot", MetricBedTemp, 5000, true},
		{"zero speed", MetricPrintSpeed, 0, false},
		{"negative speed", MetricPrintSpeed, -1, true},
		{"negative line width", MetricLineWidth, -0.1, true},
		{"nan", MetricNozzleDiameter, math.NaN(), true},
		{"infinity", MetricPredictedLineWidth, math.Inf(1), true},
		{"unknown metric", Metric("chamberTemp"), 30, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.metric.CheckValue(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSnapshot_OrderedAndValues(t *testing.T) {
	now := time.Now()
	snap := Snapshot{}
	LogRecord{Readings: []Reading{
		{Metric: MetricPrintSpeed, Value: 80, ObservedAt: now},
		{Metric: MetricBedTemp, Value: 60, ObservedAt: now},
	}}.FoldInto(snap)
	LogRecord{Readings: []Reading{
		{Metric: MetricBedTemp, Value: 61, ObservedAt: now},
	}}.FoldInto(snap)

	ordered := snap.Ordered()
	require.Len(t, ordered, 2)
	assert.Equal(t, MetricBedTemp, ordered[0].Metric)
	assert.Equal(t, 61.0, ordered[0].Value)
	assert.Equal(t, MetricPrintSpeed, ordered[1].Metric)

	assert.Equal(t, map[Metric]float64{MetricBedTemp: 61, MetricPrintSpeed: 80}, snap.Values())
}
