// Package jobs runs background operations on selections.
//
// Producers Enqueue a Job; a Runner receives jobs from a Source, dispatches
// them by Kind to a registered Handler and wraps every handler in a bounded,
// fixed-backoff retry. Handlers record their own terminal status on the
// selection; a kind may also register an OnExhausted callback for failures
// that outlast every attempt, such as a lock that is never released.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	id "targeting/pkg/domain"
)

// Kind names a background operation.
type Kind string

const (
	KindRefreshStats Kind = "refresh_stats"
	KindFullRebuild  Kind = "full_rebuild"
	KindApplyScoring Kind = "apply_scoring"
)

// Job is the unit of work carried by a queue. It is serialised as JSON.
type Job struct {
	ID          uuid.UUID      `json:"id"`
	Kind        Kind           `json:"kind"`
	SelectionID id.SelectionID `json:"selection_id"`
	RequestID   string         `json:"request_id,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// NewJob builds a job with a fresh id.
func NewJob(kind Kind, selectionID id.SelectionID, now time.Time) Job {
	return Job{
		ID:          uuid.New(),
		Kind:        kind,
		SelectionID: selectionID,
		EnqueuedAt:  now,
	}
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Delivery is a received job. Ack marks it done so it is not redelivered.
type Delivery struct {
	Job Job
	Ack func(ctx context.Context) error
}

// Source hands out jobs to a Runner. Receive blocks until a job is available
// or ctx is done.
type Source interface {
	Receive(ctx context.Context) (Delivery, error)
}

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "targeting_jobs_total",
		Help: "Background jobs finished, by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: "succeeded", "failed", "permanent", "unhandled"

	jobAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "targeting_job_attempts",
		Help:    "Attempts used per background job",
		Buckets: []float64{1, 2, 3, 4, 5},
	}, []string{"kind"})
)
