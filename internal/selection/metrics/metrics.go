package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for selection lifecycle and the stats
// rebuild pipeline.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	LockDuration      prometheus.Histogram
	SnapshotSize      *prometheus.HistogramVec
	RebuildDuration   *prometheus.HistogramVec
	RebuildOutcomes   *prometheus.CounterVec
	MembershipChanges *prometheus.CounterVec
}

// New creates a Metrics instance with all selection metrics registered.
// Call once per process.
func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "targeting_selection_transitions_total",
			Help: "Lifecycle events applied to selections, by event and outcome",
		}, []string{"event", "outcome"}),
		LockDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "targeting_selection_lock_duration_seconds",
			Help:    "Duration of lock(): compile, query and snapshot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		SnapshotSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "targeting_selection_snapshot_households",
			Help:    "Households captured per membership snapshot, by list",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"list"}),
		RebuildDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "targeting_rebuild_duration_seconds",
			Help:    "Duration of stats rebuild operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"operation"}),
		RebuildOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "targeting_rebuild_total",
			Help: "Stats rebuild attempts, by operation and outcome",
		}, []string{"operation", "outcome"}), // outcome: "ok", "failed", "rejected"
		MembershipChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "targeting_rebuild_membership_changes_total",
			Help: "Membership rows added or removed by full rebuilds",
		}, []string{"change"}),
	}
}

// ObserveTransition records a lifecycle event outcome ("ok" or "rejected").
func (m *Metrics) ObserveTransition(event, outcome string) {
	m.Transitions.WithLabelValues(event, outcome).Inc()
}

// ObserveLock records the duration of a lock() call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveLock(start time.Time) {
	m.LockDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveSnapshot(list string, households int) {
	m.SnapshotSize.WithLabelValues(list).Observe(float64(households))
}

// ObserveRebuild records the duration and outcome of one rebuild attempt.
func (m *Metrics) ObserveRebuild(operation, outcome string, start time.Time) {
	m.RebuildDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	m.RebuildOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveMembershipDiff(added, removed int) {
	m.MembershipChanges.WithLabelValues("added").Add(float64(added))
	m.MembershipChanges.WithLabelValues("removed").Add(float64(removed))
}
