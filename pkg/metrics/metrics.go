package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Admission metrics
	ChecksTotal    *prometheus.CounterVec
	ChecksRejected *prometheus.CounterVec
	BypassHits     *prometheus.CounterVec
	RuleHits       *prometheus.CounterVec

	// Penalty metrics
	PenaltiesApplied *prometheus.CounterVec
	PenaltyDelay     prometheus.Histogram

	// Detection metrics
	SecurityEvents *prometheus.CounterVec
	AlertsRaised   *prometheus.CounterVec
	ResponsesRun   *prometheus.CounterVec

	// Store metrics
	StoreErrors    *prometheus.CounterVec
	StoreFallbacks prometheus.Counter
}

// New creates a new Metrics instance registered on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		ChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_checks_total",
				Help: "Total number of admission checks",
			},
			[]string{"limiter", "tier", "allowed"},
		),
		ChecksRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_checks_rejected_total",
				Help: "Total number of over-quota rejections",
			},
			[]string{"limiter"},
		),
		BypassHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_bypass_hits_total",
				Help: "Admission checks that matched a bypass token",
			},
			[]string{"limiter"},
		),
		RuleHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_rule_hits_total",
				Help: "Admission checks that matched a custom rule",
			},
			[]string{"rule", "limiter"},
		),
		PenaltiesApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_penalties_applied_total",
				Help: "Escalating penalties written per level",
			},
			[]string{"level"},
		),
		PenaltyDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guardian_penalty_delay_seconds",
				Help:    "Penalty delays imposed on admitted requests",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		SecurityEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_security_events_total",
				Help: "Security events recorded by type and severity",
			},
			[]string{"type", "severity"},
		),
		AlertsRaised: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_alerts_raised_total",
				Help: "Alerts materialized by type",
			},
			[]string{"type"},
		),
		ResponsesRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_responses_run_total",
				Help: "Automated remediation actions executed",
			},
			[]string{"action"},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_store_errors_total",
				Help: "Cache store failures by operation",
			},
			[]string{"op"},
		),
		StoreFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "guardian_store_fallbacks_total",
				Help: "Checks admitted fail-open because the store was unreachable",
			},
		),
	}
}
