// Package metrics exports relay activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/printer-dashboard/relay/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "printer_relay"

// PromObserver implements relay.Observer with Prometheus collectors.
type PromObserver struct {
	admitted   prometheus.Counter
	rejected   *prometheus.CounterVec
	released   *prometheus.CounterVec
	ingested   prometheus.Counter
	readings   prometheus.Counter
	malformed  prometheus.Counter
	appendErrs prometheus.Counter
	appendLat  prometheus.Histogram
	unitsSent  prometheus.Counter
}

// NewPromObserver creates the relay collectors and registers them with reg.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	p := &PromObserver{
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_admitted_total",
			Help:      "Sessions that passed the handshake checks.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Connections closed with a policy violation, by reason.",
		}, []string{"reason"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_released_total",
			Help:      "Sessions removed from the registry, by cause.",
		}, []string{"cause"}),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_ingested_total",
			Help:      "Update messages appended to the durable log.",
		}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Readings merged into the snapshot.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Inbound messages dropped as malformed.",
		}),
		appendErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_append_failures_total",
			Help:      "Durable log appends that failed; the update was rejected.",
		}),
		appendLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_append_seconds",
			Help:      "Latency of durable log appends including fsync.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		unitsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_units_queued_total",
			Help:      "Broadcast frames queued across all sessions.",
		}),
	}

	reg.MustRegister(
		p.admitted, p.rejected, p.released,
		p.ingested, p.readings, p.malformed,
		p.appendErrs, p.appendLat, p.unitsSent,
	)
	return p
}

func (p *PromObserver) SessionAdmitted() { p.admitted.Inc() }

func (p *PromObserver) SessionRejected(reason string) { p.rejected.WithLabelValues(reason).Inc() }

func (p *PromObserver) SessionReleased(cause string) { p.released.WithLabelValues(cause).Inc() }

func (p *PromObserver) MessageIngested(readings int) {
	p.ingested.Inc()
	p.readings.Add(float64(readings))
}

func (p *PromObserver) MessageMalformed() { p.malformed.Inc() }

func (p *PromObserver) AppendCompleted(d time.Duration, err error) {
	if err != nil {
		p.appendErrs.Inc()
		return
	}
	p.appendLat.Observe(d.Seconds())
}

func (p *PromObserver) UnitsQueued(n int) { p.unitsSent.Add(float64(n)) }

// RegisterStats exposes the relay's point-in-time counters as gauges that
// are read on every scrape.
func RegisterStats(reg prometheus.Registerer, stats func() relay.Stats) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered.",
		}, func() float64 { return float64(stats().Sessions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_records",
			Help:      "Records in the durable log.",
		}, func() float64 { return float64(stats().LogRecords) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_size_bytes",
			Help:      "Size of the durable log on disk.",
		}, func() float64 { return float64(stats().LogBytes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_metrics",
			Help:      "Metrics present in the latest snapshot.",
		}, func() float64 { return float64(stats().SnapshotKeys) }),
	)
}

// Handler serves the exposition format for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var _ relay.Observer = (*PromObserver)(nil)
