package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"

	"targeting/internal/platform/logger"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type RunnerSuite struct {
	suite.Suite
	queue  *MemoryQueue
	runner *Runner
}

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

func (s *RunnerSuite) SetupTest() {
	s.queue = NewMemoryQueue(8)
	s.runner = NewRunner(s.queue,
		WithLogger(logger.Discard()),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}),
	)
}

func (s *RunnerSuite) newJob(kind Kind) Job {
	return NewJob(kind, id.SelectionID(uuid.New()), time.Now())
}

func (s *RunnerSuite) TestRetry() {
	ctx := context.Background()

	s.Run("succeeds after transient failures", func() {
		var calls atomic.Int32
		attempts, err := Retry(ctx, RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return dErrors.New(dErrors.CodeTransient, "lock busy")
			}
			return nil
		})
		s.NoError(err)
		s.Equal(3, attempts)
	})

	s.Run("stops at the bound", func() {
		var calls atomic.Int32
		attempts, err := Retry(ctx, RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("database unavailable")
		})
		s.Error(err)
		s.Equal(3, attempts)
		s.Equal(int32(3), calls.Load())
		s.Contains(err.Error(), "gave up after 3 attempts")
	})

	s.Run("permanent errors are not retried", func() {
		var calls atomic.Int32
		attempts, err := Retry(ctx, RetryPolicy{MaxAttempts: 3}, func(ctx context.Context) error {
			calls.Add(1)
			return dErrors.New(dErrors.CodeScoringNotConfigured, "no scoring rule")
		})
		s.True(dErrors.HasCode(err, dErrors.CodeScoringNotConfigured))
		s.Equal(1, attempts)
		s.Equal(int32(1), calls.Load())
	})

	s.Run("attempt number is visible to the operation", func() {
		var seen []int
		_, _ = Retry(ctx, RetryPolicy{MaxAttempts: 2}, func(ctx context.Context) error {
			seen = append(seen, Attempt(ctx))
			return errors.New("boom")
		})
		s.Equal([]int{1, 2}, seen)
	})

	s.Run("cancellation during backoff aborts", func() {
		cctx, cancel := context.WithCancel(ctx)
		attempts, err := Retry(cctx, RetryPolicy{MaxAttempts: 5, Backoff: time.Hour}, func(ctx context.Context) error {
			cancel()
			return errors.New("boom")
		})
		s.Equal(1, attempts)
		s.ErrorIs(err, context.Canceled)
	})
}

func (s *RunnerSuite) TestProcess() {
	ctx := context.Background()

	s.Run("dispatches by kind", func() {
		var got Job
		s.runner.Handle(KindFullRebuild, func(ctx context.Context, job Job) error {
			got = job
			return nil
		})
		job := s.newJob(KindFullRebuild)
		s.NoError(s.runner.Process(ctx, job))
		s.Equal(job.ID, got.ID)
	})

	s.Run("unknown kind is rejected without retry", func() {
		err := s.runner.Process(ctx, s.newJob(Kind("unknown")))
		s.True(dErrors.Permanent(err))
	})

	s.Run("retries failing handler up to the bound", func() {
		var calls atomic.Int32
		s.runner.Handle(KindApplyScoring, func(ctx context.Context, job Job) error {
			calls.Add(1)
			return dErrors.New(dErrors.CodeTransient, "scoring engine timeout")
		})
		err := s.runner.Process(ctx, s.newJob(KindApplyScoring))
		s.Error(err)
		s.Equal(int32(3), calls.Load())
	})
}

func (s *RunnerSuite) TestRun() {
	s.Run("processes and acks every delivered job", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan Job, 2)
		s.runner.Handle(KindRefreshStats, func(ctx context.Context, job Job) error {
			done <- job
			return nil
		})

		errCh := make(chan error, 1)
		go func() { errCh <- s.runner.Run(ctx) }()

		first := s.newJob(KindRefreshStats)
		second := s.newJob(KindRefreshStats)
		s.Require().NoError(s.queue.Enqueue(ctx, first))
		s.Require().NoError(s.queue.Enqueue(ctx, second))

		s.ElementsMatch([]uuid.UUID{first.ID, second.ID}, []uuid.UUID{(<-done).ID, (<-done).ID})

		cancel()
		s.ErrorIs(<-errCh, context.Canceled)
	})

	s.Run("a job waiting on retries does not hold up other selections", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		runner := NewRunner(s.queue,
			WithLogger(logger.Discard()),
			WithConcurrency(2),
			WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: time.Hour}),
		)
		failing := make(chan struct{}, 1)
		runner.Handle(KindFullRebuild, func(ctx context.Context, job Job) error {
			failing <- struct{}{}
			return dErrors.New(dErrors.CodeTransient, "registry unavailable")
		})
		refreshed := make(chan Job, 1)
		runner.Handle(KindRefreshStats, func(ctx context.Context, job Job) error {
			refreshed <- job
			return nil
		})

		errCh := make(chan error, 1)
		go func() { errCh <- runner.Run(ctx) }()

		s.Require().NoError(s.queue.Enqueue(ctx, s.newJob(KindFullRebuild)))
		<-failing
		other := s.newJob(KindRefreshStats)
		s.Require().NoError(s.queue.Enqueue(ctx, other))

		select {
		case got := <-refreshed:
			s.Equal(other.ID, got.ID)
		case <-time.After(5 * time.Second):
			s.Fail("refresh_stats was blocked behind the retrying job")
		}

		cancel()
		s.ErrorIs(<-errCh, context.Canceled)
	})

	s.Run("keeps receiving after a source error", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		source := &flakySource{next: s.queue}
		source.failures.Store(2)
		runner := NewRunner(source, WithLogger(logger.Discard()), WithPollBackoff(time.Millisecond))
		done := make(chan Job, 1)
		runner.Handle(KindRefreshStats, func(ctx context.Context, job Job) error {
			done <- job
			return nil
		})

		errCh := make(chan error, 1)
		go func() { errCh <- runner.Run(ctx) }()

		job := s.newJob(KindRefreshStats)
		s.Require().NoError(s.queue.Enqueue(ctx, job))
		s.Equal(job.ID, (<-done).ID)
		s.LessOrEqual(source.failures.Load(), int32(0))

		cancel()
		s.ErrorIs(<-errCh, context.Canceled)
	})

	s.Run("stops when the source is closed", func() {
		q := NewMemoryQueue(1)
		q.Close()
		s.ErrorIs(NewRunner(q).Run(context.Background()), ErrQueueClosed)
	})

	s.Run("does not ack a job interrupted by shutdown", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var acked atomic.Bool
		source := &oneShotSource{delivery: Delivery{
			Job: s.newJob(KindApplyScoring),
			Ack: func(context.Context) error {
				acked.Store(true)
				return nil
			},
		}}
		runner := NewRunner(source, WithLogger(logger.Discard()))
		started := make(chan struct{})
		runner.Handle(KindApplyScoring, func(ctx context.Context, job Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})

		errCh := make(chan error, 1)
		go func() { errCh <- runner.Run(ctx) }()
		<-started
		cancel()
		s.ErrorIs(<-errCh, context.Canceled)
		s.False(acked.Load())
	})
}

func (s *RunnerSuite) TestOnExhausted() {
	ctx := context.Background()

	s.Run("records the terminal state once retries run out", func() {
		var calls atomic.Int32
		var got error
		s.runner.Handle(KindFullRebuild, func(ctx context.Context, job Job) error {
			calls.Add(1)
			return dErrors.New(dErrors.CodeTransient, "lock not acquired")
		})
		s.runner.OnExhausted(KindFullRebuild, func(ctx context.Context, job Job, cause error) {
			got = cause
		})

		err := s.runner.Process(ctx, s.newJob(KindFullRebuild))
		s.Require().Error(err)
		s.Equal(int32(3), calls.Load())
		s.Require().Error(got)
		s.True(dErrors.HasCode(got, dErrors.CodeTransient))
	})

	s.Run("is not called for permanent failures or success", func() {
		var called atomic.Bool
		s.runner.OnExhausted(KindApplyScoring, func(context.Context, Job, error) {
			called.Store(true)
		})

		s.runner.Handle(KindApplyScoring, func(ctx context.Context, job Job) error {
			return dErrors.New(dErrors.CodeScoringNotConfigured, "no scoring rule")
		})
		s.Error(s.runner.Process(ctx, s.newJob(KindApplyScoring)))

		s.runner.Handle(KindApplyScoring, func(ctx context.Context, job Job) error { return nil })
		s.NoError(s.runner.Process(ctx, s.newJob(KindApplyScoring)))

		s.False(called.Load())
	})
}

// flakySource fails the first failures calls to Receive.
type flakySource struct {
	failures atomic.Int32
	next     Source
}

func (f *flakySource) Receive(ctx context.Context) (Delivery, error) {
	if f.failures.Add(-1) >= 0 {
		return Delivery{}, errors.New("broker not available")
	}
	return f.next.Receive(ctx)
}

// oneShotSource hands out one delivery and then blocks until ctx is done.
type oneShotSource struct {
	delivery Delivery
	sent     atomic.Bool
}

func (o *oneShotSource) Receive(ctx context.Context) (Delivery, error) {
	if o.sent.CompareAndSwap(false, true) {
		return o.delivery, nil
	}
	<-ctx.Done()
	return Delivery{}, ctx.Err()
}

func (s *RunnerSuite) TestMemoryQueueClose() {
	ctx := context.Background()
	q := NewMemoryQueue(1)
	s.Require().NoError(q.Enqueue(ctx, s.newJob(KindRefreshStats)))
	q.Close()

	s.ErrorIs(q.Enqueue(ctx, s.newJob(KindRefreshStats)), ErrQueueClosed)

	_, err := q.Receive(ctx)
	s.NoError(err, "pending job still delivered after close")
	_, err = q.Receive(ctx)
	s.ErrorIs(err, ErrQueueClosed)
}
