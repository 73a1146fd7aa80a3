package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for scoring runs and rule health.
type Metrics struct {
	RunDuration        *prometheus.HistogramVec
	ScoredHouseholds   prometheus.Counter
	RuleFailures       prometheus.Counter
	BreakerTransitions *prometheus.CounterVec
}

// New creates a Metrics instance with all scoring metrics registered.
// Call once per process.
func New() *Metrics {
	return &Metrics{
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "targeting_scoring_duration_seconds",
			Help:    "Duration of apply_scoring attempts, by outcome",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"outcome"}), // outcome: "completed", "error", "rejected"
		ScoredHouseholds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "targeting_scoring_households_total",
			Help: "Households scored by successful runs",
		}),
		RuleFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "targeting_scoring_rule_failures_total",
			Help: "Scoring rule executions that returned an error",
		}),
		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "targeting_scoring_breaker_transitions_total",
			Help: "Scoring rule circuit breaker state changes",
		}, []string{"rule", "state"}),
	}
}

// ObserveRun records one scoring attempt.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveRun(outcome string, start time.Time, households int) {
	m.RunDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if outcome == "completed" {
		m.ScoredHouseholds.Add(float64(households))
	}
}

func (m *Metrics) IncRuleFailure() {
	m.RuleFailures.Inc()
}

func (m *Metrics) ObserveBreaker(rule, state string) {
	m.BreakerTransitions.WithLabelValues(rule, state).Inc()
}
