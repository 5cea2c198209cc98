package api

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensor-monitor/pkg/metrics"
)

// renderIndex renders the dashboard page.
func renderIndex(ctx context.Context, w io.Writer, topics []string, m *metrics.HTTPMetrics) error {
	//nolint:contextcheck // Context is passed to Templ's Render method
	return trackTemplateRender(m, "index", func() error {
		return dashboard(topics).Render(ctx, w)
	})
}

// trackTemplateRender wraps template rendering with metrics tracking.
func trackTemplateRender(m *metrics.HTTPMetrics, templateName string, renderFunc func() error) error {
	if m == nil {
		return renderFunc()
	}

	timer := prometheus.NewTimer(m.TemplateRenderTime.WithLabelValues(templateName))
	defer timer.ObserveDuration()

	if err := renderFunc(); err != nil {
		m.TemplateRenderErrors.WithLabelValues(templateName).Inc()
		return err
	}
	return nil
}
