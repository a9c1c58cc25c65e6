package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics contains Prometheus metrics for broker administration calls
// and the topology and session operations built from them.
type BrokerMetrics struct {
	AdminCalls        *prometheus.CounterVec
	AdminCallDuration *prometheus.HistogramVec
	Operations        *prometheus.CounterVec
	Compensations     *prometheus.CounterVec
}

// NewBrokerMetrics creates and registers broker metrics.
func NewBrokerMetrics(namespace string) *BrokerMetrics {
	m := &BrokerMetrics{
		AdminCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broker_admin",
				Name:      "calls_total",
				Help:      "Total number of broker management API calls",
			},
			[]string{"operation", "status"}, // status: success, missing, not_found, error
		),
		AdminCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "broker_admin",
				Name:      "call_duration_seconds",
				Help:      "Duration of broker management API calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "topology",
				Name:      "operations_total",
				Help:      "Total number of topology and live session operations",
			},
			[]string{"operation", "status"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "topology",
				Name:      "compensations_total",
				Help:      "Total number of compensating deletions after failed provisioning",
			},
			[]string{"status"},
		),
	}

	MustRegister(
		m.AdminCalls,
		m.AdminCallDuration,
		m.Operations,
		m.Compensations,
	)

	return m
}
