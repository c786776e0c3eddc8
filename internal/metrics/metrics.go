package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Plugin metrics
	PluginsRegistered  prometheus.Gauge
	PluginLoadsTotal   *prometheus.CounterVec
	PluginReloadsTotal *prometheus.CounterVec

	// Tool metrics
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Secret metrics
	SecretDecryptionsTotal *prometheus.CounterVec
	SecretResolutionsTotal *prometheus.CounterVec
	SecretResolveDuration  prometheus.Histogram

	// Stream metrics
	StreamFlushesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		PluginsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletagent_plugins_registered",
				Help: "Number of currently registered plugins",
			},
		),
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletagent_plugin_loads_total",
				Help: "Plugin module load attempts by outcome",
			},
			[]string{"module", "status"},
		),
		PluginReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletagent_plugin_reloads_total",
				Help: "Plugin reloads with new configuration by outcome",
			},
			[]string{"plugin", "status"},
		),

		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletagent_tool_executions_total",
				Help: "Total number of tool executions",
			},
			[]string{"plugin", "tool", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletagent_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin", "tool"},
		),

		SecretDecryptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletagent_secret_decryptions_total",
				Help: "Secret decrypt calls by outcome",
			},
			[]string{"status"},
		),
		SecretResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletagent_secret_resolutions_total",
				Help: "Lazy secret resolutions by plugin and outcome",
			},
			[]string{"plugin", "status"},
		),
		SecretResolveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "walletagent_secret_resolve_duration_seconds",
				Help:    "Duration of lazy secret resolution including reload",
				Buckets: prometheus.DefBuckets,
			},
		),

		StreamFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletagent_stream_flushes_total",
				Help: "Rendered stream flushes by boundary kind",
			},
			[]string{"boundary"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.PluginsRegistered)
	m.registry.MustRegister(m.PluginLoadsTotal)
	m.registry.MustRegister(m.PluginReloadsTotal)

	m.registry.MustRegister(m.ToolExecutionsTotal)
	m.registry.MustRegister(m.ToolExecutionDuration)

	m.registry.MustRegister(m.SecretDecryptionsTotal)
	m.registry.MustRegister(m.SecretResolutionsTotal)
	m.registry.MustRegister(m.SecretResolveDuration)

	m.registry.MustRegister(m.StreamFlushesTotal)
}

// RecordPluginLoad counts a module load attempt ("loaded", "missing", "failed").
func (m *Metrics) RecordPluginLoad(module, status string) {
	if m == nil {
		return
	}
	m.PluginLoadsTotal.WithLabelValues(module, status).Inc()
}

// RecordReload counts a plugin reload.
func (m *Metrics) RecordReload(plugin string, ok bool) {
	if m == nil {
		return
	}
	m.PluginReloadsTotal.WithLabelValues(plugin, status(ok)).Inc()
}

// SetPluginsRegistered sets the registered plugin gauge.
func (m *Metrics) SetPluginsRegistered(n int) {
	if m == nil {
		return
	}
	m.PluginsRegistered.Set(float64(n))
}

// RecordToolExecution records a tool call outcome and duration.
func (m *Metrics) RecordToolExecution(plugin, tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(plugin, tool, status(err == nil)).Inc()
	m.ToolExecutionDuration.WithLabelValues(plugin, tool).Observe(d.Seconds())
}

// RecordDecrypt counts a decrypt call.
func (m *Metrics) RecordDecrypt(ok bool) {
	if m == nil {
		return
	}
	m.SecretDecryptionsTotal.WithLabelValues(status(ok)).Inc()
}

// RecordResolution records a lazy secret resolution.
func (m *Metrics) RecordResolution(plugin string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.SecretResolutionsTotal.WithLabelValues(plugin, status(ok)).Inc()
	m.SecretResolveDuration.Observe(d.Seconds())
}

// RecordFlush counts a stream flush by boundary kind.
func (m *Metrics) RecordFlush(boundary string) {
	if m == nil {
		return
	}
	m.StreamFlushesTotal.WithLabelValues(boundary).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
