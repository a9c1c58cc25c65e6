package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the device simulator.
type SimulatorMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	ActiveDevices     prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "messages_published_total",
				Help:      "Total number of simulated device messages published",
			},
			[]string{"category", "transport"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "publish_failures_total",
				Help:      "Total number of failed simulated publishes",
			},
			[]string{"category", "transport"},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of simulated devices currently publishing",
			},
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.ActiveDevices,
	)

	return m
}
