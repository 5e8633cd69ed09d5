// Package metrics exposes runtime measurements in Prometheus format.
//
// Every collector is registered on a private registry owned by Metrics, not
// on the process-wide default registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floegence/sera-runtime/internal/capability"
)

type Metrics struct {
	registry *prometheus.Registry

	// RunsTotal counts finished runs.
	// Labels: status (completed|failed|cancelled)
	RunsTotal *prometheus.CounterVec

	// RunDuration measures run wall time from registration to the terminal event.
	RunDuration prometheus.Histogram

	// ActiveRuns is the number of runs currently executing.
	ActiveRuns prometheus.Gauge

	// ToolExecutions counts local capability executions.
	// Labels: name, status (success|error code)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures local capability execution time.
	// Labels: name
	ToolDuration *prometheus.HistogramVec

	// KnowledgeFailures counts provider failures during knowledge fan-out.
	// Labels: provider
	KnowledgeFailures *prometheus.CounterVec

	// HTTPRequests counts served HTTP requests.
	// Labels: method, route, status
	HTTPRequests *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sera_runs_total", Help: "Finished runs by terminal status"},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sera_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sera_active_runs",
			Help: "Runs currently executing",
		}),
		ToolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sera_tool_executions_total", Help: "Local capability executions by name and status"},
			[]string{"name", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sera_tool_execution_duration_seconds",
				Help:    "Local capability execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"name"},
		),
		KnowledgeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sera_knowledge_provider_failures_total", Help: "Knowledge provider failures during search fan-out"},
			[]string{"provider"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "sera_http_requests_total", Help: "HTTP requests by method, route and status"},
			[]string{"method", "route", "status"},
		),
	}
	m.registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.ToolExecutions,
		m.ToolDuration,
		m.KnowledgeFailures,
		m.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRunStart() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) ObserveRunEnd(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(seconds)
}

func (m *Metrics) ObserveExecution(name string, success bool, code capability.Code, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = string(code)
		if status == "" {
			status = "error"
		}
	}
	m.ToolExecutions.WithLabelValues(name, status).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(seconds)
}

// KnowledgeProviderFailed matches knowledge.Options.OnProviderFailure.
func (m *Metrics) KnowledgeProviderFailed(provider string, _ error) {
	if m == nil {
		return
	}
	m.KnowledgeFailures.WithLabelValues(provider).Inc()
}

func (m *Metrics) ObserveHTTP(method string, route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

var _ capability.Observer = (*Metrics)(nil)
