// Package lock provides named, expiring, mutually exclusive locks.
//
// A lock is identified by a key built from an operation name and a selection
// id, so one rebuild and one scoring run may hold locks on the same selection
// at the same time while two rebuilds may not. Acquire blocks up to
// Options.AcquireTimeout; a held lock expires after Options.TTL so a crashed
// worker cannot hold it forever.
package lock

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	id "targeting/pkg/domain"
)

const keyPrefix = "targeting:lock:"

var (
	acquireWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "targeting_lock_acquire_wait_seconds",
		Help:    "Time spent waiting for a named lock, by outcome",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 600},
	}, []string{"outcome"}) // outcome: "acquired", "timeout", "error"

	tracer = otel.Tracer("targeting/internal/platform/lock")
)

// Lease is a held lock. Release is safe to call once; releasing a lease that
// already expired returns sentinel.ErrLockLost.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker acquires named locks.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Options bound lock acquisition and lifetime.
type Options struct {
	AcquireTimeout time.Duration
	TTL            time.Duration
	PollInterval   time.Duration
}

// DefaultOptions mirrors the production policy: wait up to ten minutes, hold
// for at most two hours.
func DefaultOptions() Options {
	return Options{
		AcquireTimeout: 10 * time.Minute,
		TTL:            2 * time.Hour,
		PollInterval:   250 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = d.AcquireTimeout
	}
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

// Key builds the lock key for an operation on a selection.
func Key(operation string, selectionID id.SelectionID) string {
	return keyPrefix + operation + ":" + selectionID.String()
}

// waitPoll sleeps for one poll interval, returning early on cancellation.
func waitPoll(ctx context.Context, interval time.Duration) error {
	t := time.NewTimer(interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func observeWait(start time.Time, outcome string) {
	acquireWaitSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
