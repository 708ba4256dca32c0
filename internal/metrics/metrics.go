// Package metrics provides Prometheus instrumentation for the rule engine.
//
// All metrics are registered in a custom [prometheus.Registry] so that only
// fraudrules metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/fraudrules/internal/logger"
)

// Metrics holds all Prometheus collectors used by the engine and server.
type Metrics struct {
	Registry *prometheus.Registry

	EvaluationsTotal    *prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	RulesetLoadsTotal   *prometheus.CounterVec
	RulesetRules        *prometheus.GaugeVec
	RulesetStale        *prometheus.GaugeVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudrules_evaluations_total",
			Help: "Total number of ruleset evaluations by outcome.",
		}, []string{"tenant", "outcome"}),

		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fraudrules_evaluation_duration_seconds",
			Help:    "Ruleset evaluation latency in seconds.",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		}),

		RulesetLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudrules_ruleset_loads_total",
			Help: "Total number of ruleset load attempts by result.",
		}, []string{"tenant", "result"}),

		RulesetRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fraudrules_ruleset_rules",
			Help: "Number of rules in the published ruleset.",
		}, []string{"tenant"}),

		RulesetStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fraudrules_ruleset_stale",
			Help: "1 when the published ruleset is older than the staleness threshold.",
		}, []string{"tenant"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudrules_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fraudrules_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.RulesetLoadsTotal,
		m.RulesetRules,
		m.RulesetStale,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "fraudrules_log_errors_total",
			Help: "Errors logged, counted before sampling.",
		}, func() float64 { return float64(logger.TotalErrors.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "fraudrules_log_warnings_total",
			Help: "Warnings logged, counted before sampling.",
		}, func() float64 { return float64(logger.TotalWarnings.Load()) }),
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation counts one evaluation and observes its latency.
// Safe to call on a nil receiver.
func (m *Metrics) RecordEvaluation(tenant, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(tenant, outcome).Inc()
	m.EvaluationDuration.Observe(d.Seconds())
}

// RecordLoad counts a ruleset load attempt. result is "ok", "invalid" or "error".
func (m *Metrics) RecordLoad(tenant, result string) {
	if m == nil {
		return
	}
	m.RulesetLoadsTotal.WithLabelValues(tenant, result).Inc()
}

// SetRules updates the published rule count for tenant.
func (m *Metrics) SetRules(tenant string, n int) {
	if m == nil {
		return
	}
	m.RulesetRules.WithLabelValues(tenant).Set(float64(n))
}

// SetStale updates the staleness gauge for tenant.
func (m *Metrics) SetStale(tenant string, stale bool) {
	if m == nil {
		return
	}
	v := 0.0
	if stale {
		v = 1
	}
	m.RulesetStale.WithLabelValues(tenant).Set(v)
}

// ForgetTenant removes every per-tenant series.
func (m *Metrics) ForgetTenant(tenant string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"tenant": tenant}
	m.EvaluationsTotal.DeletePartialMatch(labels)
	m.RulesetLoadsTotal.DeletePartialMatch(labels)
	m.RulesetRules.DeletePartialMatch(labels)
	m.RulesetStale.DeletePartialMatch(labels)
}

// Middleware records request count and latency using the chi route pattern
// as the route label so that path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}
