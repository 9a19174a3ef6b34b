// Package metrics defines the Prometheus collectors of the listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "topology_listener"

// Metrics groups every collector. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	TriggersForwarded  *prometheus.CounterVec
	TriggersSuppressed *prometheus.CounterVec
	TriggersDropped    *prometheus.CounterVec
	Rescans            *prometheus.CounterVec
	ScanAttempts       prometheus.Counter
	ScanDuration       prometheus.Histogram
	Changes            *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	CommandFailures    *prometheus.CounterVec
	ReadyConnections   *prometheus.GaugeVec
	Shards             prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriggersForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_forwarded_total",
			Help:      "Role changes forwarded as rescan triggers.",
		}, []string{"shard"}),
		TriggersSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_suppressed_total",
			Help:      "Role change notifications that did not trigger a rescan.",
		}, []string{"reason"}),
		TriggersDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_dropped_total",
			Help:      "Triggers refused by the state store.",
		}, []string{"reason"}),
		Rescans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rescans_total",
			Help:      "Completed rescans by result.",
		}, []string{"result"}),
		ScanAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_attempts_total",
			Help:      "Cluster scan attempts, including retries.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of full cluster scans.",
			Buckets:   prometheus.DefBuckets,
		}),
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_changes_total",
			Help:      "Topology changes emitted.",
		}, []string{"shard", "type"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Events a sink failed to publish.",
		}, []string{"type"}),
		CommandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_failures_total",
			Help:      "Failed commands observed on shard connections.",
		}, []string{"command"}),
		ReadyConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_connections",
			Help:      "Ready pooled connections per server address.",
		}, []string{"address"}),
		Shards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shards",
			Help:      "Shards in the current topology snapshot.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TriggersForwarded,
			m.TriggersSuppressed,
			m.TriggersDropped,
			m.Rescans,
			m.ScanAttempts,
			m.ScanDuration,
			m.Changes,
			m.PublishFailures,
			m.CommandFailures,
			m.ReadyConnections,
			m.Shards,
		)
	}

	return m
}

func (m *Metrics) TriggerForwarded(shard string) {
	if m != nil {
		m.TriggersForwarded.WithLabelValues(shard).Inc()
	}
}

func (m *Metrics) TriggerSuppressed(reason string) {
	if m != nil {
		m.TriggersSuppressed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TriggerDropped(reason string) {
	if m != nil {
		m.TriggersDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RescanDone(result string) {
	if m != nil {
		m.Rescans.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ScanAttempt(seconds float64) {
	if m != nil {
		m.ScanAttempts.Inc()
		m.ScanDuration.Observe(seconds)
	}
}

func (m *Metrics) Change(shard, typ string) {
	if m != nil {
		m.Changes.WithLabelValues(shard, typ).Inc()
	}
}

func (m *Metrics) PublishFailed(typ string) {
	if m != nil {
		m.PublishFailures.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) CommandFailed(command string) {
	if m != nil {
		m.CommandFailures.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) SetReadyConnections(address string, n int) {
	if m != nil {
		m.ReadyConnections.WithLabelValues(address).Set(float64(n))
	}
}

func (m *Metrics) SetShards(n int) {
	if m != nil {
		m.Shards.Set(float64(n))
	}
}
