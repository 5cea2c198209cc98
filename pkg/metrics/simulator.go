package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the sensor node simulator.
type SimulatorMetrics struct {
	MessagesGenerated  *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	ActiveNodes        prometheus.Gauge
	NodesGenerated     prometheus.Counter
	CommandsReceived   prometheus.Counter
}

// NewSimulatorMetrics creates simulator metrics and registers them with reg.
// A nil reg registers with the global Registry.
func NewSimulatorMetrics(reg prometheus.Registerer, namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		MessagesGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "messages_generated_total",
				Help:      "Total number of messages generated",
			},
			[]string{"type"}, // type: reading, event
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "generation_failures_total",
				Help:      "Total number of generation failures",
			},
			[]string{"type", "reason"}, // reason: encode_error, publish_error
		),
		ActiveNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_nodes",
				Help:      "Number of simulated nodes currently publishing",
			},
		),
		NodesGenerated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "nodes_generated_total",
				Help:      "Total number of simulated nodes created",
			},
		),
		CommandsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "commands_received_total",
				Help:      "Total number of control commands seen on the control topic",
			},
		),
	}

	registererOrDefault(reg).MustRegister(
		m.MessagesGenerated,
		m.GenerationFailures,
		m.ActiveNodes,
		m.NodesGenerated,
		m.CommandsReceived,
	)

	return m
}
