// Package metrics exposes Prometheus counters for the gateway, the deploy
// orchestrator, and telemetry ingest. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/kiban/internal/model"
)

// Config sets the constant labels attached to every series.
type Config struct {
	ServiceName string
	Environment string
}

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	invocations      *prometheus.CounterVec
	invokeDuration   *prometheus.HistogramVec
	admissionDenials *prometheus.CounterVec
	deployments      *prometheus.CounterVec
	telemetry        *prometheus.CounterVec
	telemetryUsage   *prometheus.CounterVec
	aggregations     *prometheus.CounterVec
}

// New builds a Metrics on its own registry, with Go runtime and process
// collectors included.
func New(cfg Config) *Metrics {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "kiban"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kiban_invocations_total",
			Help:        "Gateway invocations by backend kind and outcome code.",
			ConstLabels: constLabels,
		}, []string{"backend", "code"}),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "kiban_invoke_duration_seconds",
			Help:        "Backend dispatch latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"backend"}),
		admissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kiban_admission_denials_total",
			Help:        "Invocations rejected before dispatch, by plan tier.",
			ConstLabels: constLabels,
		}, []string{"tier"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kiban_deployments_total",
			Help:        "Finished deployments by backend kind and status.",
			ConstLabels: constLabels,
		}, []string{"backend", "status"}),
		telemetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kiban_telemetry_events_total",
			Help:        "Telemetry reports by verification result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		telemetryUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kiban_telemetry_usage_total",
			Help:        "Accepted usage by backend kind and resource.",
			ConstLabels: constLabels,
		}, []string{"backend", "resource"}),
		aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "kiban_usage_aggregations_total",
			Help:        "Usage period recomputations by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.invocations, m.invokeDuration, m.admissionDenials,
		m.deployments, m.telemetry, m.telemetryUsage, m.aggregations,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInvocation records one gateway invocation. code is empty on success.
func (m *Metrics) ObserveInvocation(kind model.BackendKind, code model.ErrorCode, d time.Duration) {
	if m == nil {
		return
	}
	label := "ok"
	if code != "" {
		label = string(code)
	}
	backend := string(kind)
	if backend == "" {
		backend = "none"
	}
	m.invocations.WithLabelValues(backend, label).Inc()
	if d > 0 {
		m.invokeDuration.WithLabelValues(backend).Observe(d.Seconds())
	}
}

// AdmissionDenied records an invocation refused by entitlements.
func (m *Metrics) AdmissionDenied(tier model.PlanTier) {
	if m == nil {
		return
	}
	m.admissionDenials.WithLabelValues(string(tier)).Inc()
}

// DeploymentFinished records a deploy outcome.
func (m *Metrics) DeploymentFinished(kind model.BackendKind, status model.DeploymentStatus) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(string(kind), string(status)).Inc()
}

// Telemetry result labels.
const (
	TelemetryAccepted     = "accepted"
	TelemetryDuplicate    = "duplicate"
	TelemetryBadSignature = "bad_signature"
	TelemetryUnknownKey   = "unknown_deployment"
	TelemetryMismatch     = "ownership_mismatch"
	TelemetryInvalid      = "invalid"
)

// TelemetryReport records one ingest verdict.
func (m *Metrics) TelemetryReport(result string) {
	if m == nil {
		return
	}
	m.telemetry.WithLabelValues(result).Inc()
}

// TelemetryUsage adds accepted usage to the per-backend counters.
func (m *Metrics) TelemetryUsage(kind model.BackendKind, u model.UsageCounts) {
	if m == nil {
		return
	}
	backend := string(kind)
	m.telemetryUsage.WithLabelValues(backend, "requests").Add(float64(u.Requests))
	m.telemetryUsage.WithLabelValues(backend, "tokens").Add(float64(u.Tokens))
	m.telemetryUsage.WithLabelValues(backend, "compute_ms").Add(float64(u.ComputeMs))
	m.telemetryUsage.WithLabelValues(backend, "tool_calls").Add(float64(u.ToolCalls))
	m.telemetryUsage.WithLabelValues(backend, "errors").Add(float64(u.Errors))
}

// Aggregation records one usage recomputation.
func (m *Metrics) Aggregation(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.aggregations.WithLabelValues(result).Inc()
}
