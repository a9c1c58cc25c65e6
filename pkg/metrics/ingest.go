package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the historian consumers.
type IngestMetrics struct {
	Deliveries         *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ActiveConsumers    prometheus.Gauge
	StatisticsFlushes  prometheus.Counter
	PulsePeriodsClosed prometheus.Counter
	StorageWrites      *prometheus.CounterVec
	StorageDuration    *prometheus.HistogramVec
}

// NewIngestMetrics creates and registers historian metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "deliveries_total",
				Help:      "Total number of deliveries processed",
			},
			[]string{"queue", "verdict", "reason"}, // verdict: ack, reject, requeue
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of delivery processing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ActiveConsumers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "active_consumers",
				Help:      "Number of active historian consumers",
			},
		),
		StatisticsFlushes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "statistics_flushes_total",
				Help:      "Total number of closed statistics buckets written",
			},
		),
		PulsePeriodsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "pulse_periods_closed_total",
				Help:      "Total number of closed pulse periods written",
			},
		),
		StorageWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "writes_total",
				Help:      "Total number of history writes",
			},
			[]string{"table", "status"},
		),
		StorageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "write_duration_seconds",
				Help:      "Duration of history writes including shard queueing",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"table"},
		),
	}

	MustRegister(
		m.Deliveries,
		m.ProcessingDuration,
		m.ActiveConsumers,
		m.StatisticsFlushes,
		m.PulsePeriodsClosed,
		m.StorageWrites,
		m.StorageDuration,
	)

	return m
}
