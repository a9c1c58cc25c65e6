package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the MQ client.
type MQMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PublishDuration   *prometheus.HistogramVec
	ConnectionStatus  prometheus.Gauge
}

// NewMQMetrics creates and registers MQ client metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_published_total",
				Help:      "Total number of confirmed publishes to RabbitMQ",
			},
			[]string{"exchange"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"exchange", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "publish_duration_seconds",
				Help:      "Duration of confirmed publish operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"exchange"},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
	}

	MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.ReconnectAttempts,
		m.PublishDuration,
		m.ConnectionStatus,
	)

	return m
}
