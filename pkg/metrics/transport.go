package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics contains Prometheus metrics for pub/sub transports.
// Every vector is labelled with the transport kind (mqtt, amqp, nats).
type TransportMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	MessagesReceived  *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec
	ConnectionStatus  *prometheus.GaugeVec
}

// NewTransportMetrics creates transport metrics and registers them with reg.
// A nil reg registers with the global Registry.
func NewTransportMetrics(reg prometheus.Registerer, namespace string) *TransportMetrics {
	m := &TransportMetrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "messages_published_total",
				Help:      "Total number of messages published",
			},
			[]string{"transport", "topic"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"transport", "topic", "reason"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "publish_duration_seconds",
				Help:      "Duration of publish operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "messages_received_total",
				Help:      "Total number of messages delivered to subscribers",
			},
			[]string{"transport", "topic"},
		),
		ReconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
			[]string{"transport"},
		),
		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
			[]string{"transport"},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.MessagesPublished,
		m.PublishFailures,
		m.PublishDuration,
		m.MessagesReceived,
		m.ReconnectAttempts,
		m.ConnectionStatus,
	)

	return m
}
