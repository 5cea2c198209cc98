// Package metrics provides Prometheus metrics collection for all sensor-monitor components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric exported by the process.
const Namespace = "sensor_monitor"

// Registry is the global Prometheus registry for all metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register default Go metrics collectors
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor returns an HTTP handler exposing the metrics gathered by g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the global registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}

// registererOrDefault falls back to the global registry when reg is nil.
func registererOrDefault(reg prometheus.Registerer) prometheus.Registerer {
	if reg == nil {
		return Registry
	}
	return reg
}
