// Package metrics exposes the Prometheus instrumentation and the small ops
// HTTP surface (health + metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the pipeline's instrumentation set, registered on a private
// registry so tests can assert on collector state without global bleed.
type Metrics struct {
	Registry *prometheus.Registry

	RawEventsTotal   *prometheus.CounterVec // by source_type
	FusedEventsTotal *prometheus.CounterVec // by action
	TriggersTotal    *prometheus.CounterVec // by strategy
	DropsTotal       *prometheus.CounterVec // by reason
	PushTotal        *prometheus.CounterVec // by sink, outcome
	PushLatency      prometheus.Histogram
	FusionLatency    prometheus.Histogram
	PendingGroups    prometheus.Gauge
	StreamLength     *prometheus.GaugeVec // by stream
}

// New builds and registers the instrumentation set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RawEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigfuse",
			Name:      "raw_events_total",
			Help:      "Raw events consumed from the raw stream.",
		}, []string{"source_type"}),
		FusedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigfuse",
			Name:      "fused_events_total",
			Help:      "Fused events appended, by decision action.",
		}, []string{"action"}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigfuse",
			Name:      "triggers_total",
			Help:      "BUY decisions, by strategy.",
		}, []string{"strategy"}),
		DropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigfuse",
			Name:      "drops_total",
			Help:      "Events dropped by a documented rule.",
		}, []string{"reason"}),
		PushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigfuse",
			Name:      "push_total",
			Help:      "Delivery attempts, by sink and outcome.",
		}, []string{"sink", "outcome"}),
		PushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sigfuse",
			Name:      "push_latency_seconds",
			Help:      "Outbound send latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		FusionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sigfuse",
			Name:      "fusion_latency_seconds",
			Help:      "First observation to decision latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		PendingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigfuse",
			Name:      "pending_groups",
			Help:      "Live aggregation groups.",
		}),
		StreamLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sigfuse",
			Name:      "stream_length",
			Help:      "Event log stream length.",
		}, []string{"stream"}),
	}

	reg.MustRegister(
		m.RawEventsTotal,
		m.FusedEventsTotal,
		m.TriggersTotal,
		m.DropsTotal,
		m.PushTotal,
		m.PushLatency,
		m.FusionLatency,
		m.PendingGroups,
		m.StreamLength,
	)
	return m
}
