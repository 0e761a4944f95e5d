package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for agentgate.
// Pass to components that need to record metrics.
type Metrics struct {
	CallsTotal        *prometheus.CounterVec
	CallDuration      *prometheus.HistogramVec
	PolicyEvaluations *prometheus.CounterVec
	QuarantinesTotal  prometheus.Counter
	KillSwitchHits    *prometheus.CounterVec
	RateLimitKeys     prometheus.Gauge
	TraceAppendErrors prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "tool_calls_total",
				Help:      "Total tool calls processed",
			},
			[]string{"decision", "executed"},
		),
		CallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentgate",
				Name:      "tool_call_duration_seconds",
				Help:      "End-to-end pipeline duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		PolicyEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "policy_evaluations_total",
				Help:      "Total policy evaluations by action",
			},
			[]string{"action"},
		),
		QuarantinesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "quarantines_total",
				Help:      "Total sessions quarantined",
			},
		),
		KillSwitchHits: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "kill_switch_hits_total",
				Help:      "Calls blocked by the kill switch, by scope",
			},
			[]string{"scope"},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentgate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit buckets",
			},
		),
		TraceAppendErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentgate",
				Name:      "trace_append_errors_total",
				Help:      "Trace events that failed to persist",
			},
		),
	}
}
