package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Ingest outcomes recorded in IngestMessagesTotal.
const (
	OutcomeStored      = "stored"
	OutcomeDecodeError = "decode_error"
	OutcomeStoreError  = "store_error"
	OutcomePanic       = "panic"
)

// BackendMetrics contains Prometheus metrics for the ingestion pipeline, the store and the dispatcher.
type BackendMetrics struct {
	IngestMessagesTotal *prometheus.CounterVec
	IngestDuration      *prometheus.HistogramVec
	DBOperationsTotal   *prometheus.CounterVec
	DBOperationDuration *prometheus.HistogramVec
	CommandsTotal       *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
}

// NewBackendMetrics creates backend metrics and registers them with reg.
// A nil reg registers with the global Registry.
func NewBackendMetrics(reg prometheus.Registerer, namespace string) *BackendMetrics {
	m := &BackendMetrics{
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "messages_total",
				Help:      "Total number of messages handled by the ingestion pipeline",
			},
			[]string{"topic", "outcome"}, // outcome: stored, decode_error, store_error, panic
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "processing_duration_seconds",
				Help:      "Duration of decoding and persisting one message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		DBOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "table", "status"}, // operation: insert, select, aggregate
		),
		DBOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "dispatched_total",
				Help:      "Total number of control commands dispatched",
			},
			[]string{"status"}, // status: success, rejected, error
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "active_subscriptions",
				Help:      "Number of topics the ingestion pipeline is subscribed to",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.IngestMessagesTotal,
		m.IngestDuration,
		m.DBOperationsTotal,
		m.DBOperationDuration,
		m.CommandsTotal,
		m.ActiveSubscriptions,
	)

	return m
}
