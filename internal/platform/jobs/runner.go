package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/requestcontext"
)

const (
	defaultConcurrency = 4
	defaultPollBackoff = time.Second
)

// Handler executes one attempt of a job.
type Handler func(ctx context.Context, job Job) error

// ExhaustedFunc is called once a job has failed every attempt with a
// retryable error. cause is the runner's final error.
type ExhaustedFunc func(ctx context.Context, job Job, cause error)

// Runner consumes jobs from a Source and executes them with retries. It
// keeps background processing testable without a real broker.
type Runner struct {
	source      Source
	policy      RetryPolicy
	concurrency int
	pollBackoff time.Duration
	logger      *slog.Logger
	mu          sync.RWMutex
	handlers    map[Kind]Handler
	exhausted   map[Kind]ExhaustedFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithRetryPolicy(policy RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.policy = policy
	}
}

// WithConcurrency bounds the number of jobs Run executes at once.
func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithPollBackoff sets the pause after a failed Receive.
func WithPollBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.pollBackoff = d
		}
	}
}

// NewRunner constructs a Runner reading from source.
func NewRunner(source Source, opts ...RunnerOption) *Runner {
	r := &Runner{
		source:      source,
		policy:      DefaultRetryPolicy(),
		concurrency: defaultConcurrency,
		pollBackoff: defaultPollBackoff,
		handlers:    make(map[Kind]Handler),
		exhausted:   make(map[Kind]ExhaustedFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers the handler for kind, replacing any previous one.
func (r *Runner) Handle(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// OnExhausted registers fn to record the terminal state of a kind's job
// after its retries run out. Permanent and cancelled failures do not call it.
func (r *Runner) OnExhausted(kind Kind, fn ExhaustedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted[kind] = fn
}

// Run processes jobs until ctx is cancelled or the source is closed. Jobs run
// concurrently up to the configured bound and each delivery is acked once its
// job has finished. A failed Receive is logged and retried after a pause.
// Run waits for in-flight jobs before returning.
func (r *Runner) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	err := r.dispatch(ctx, &g)
	_ = g.Wait()
	return err
}

func (r *Runner) dispatch(ctx context.Context, g *errgroup.Group) error {
	for {
		delivery, err := r.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrQueueClosed) {
				return err
			}
			if r.logger != nil {
				r.logger.WarnContext(ctx, "failed to receive job", "error", err)
			}
			if err := sleep(ctx, r.pollBackoff); err != nil {
				return err
			}
			continue
		}
		g.Go(func() error {
			r.deliver(ctx, delivery)
			return nil
		})
	}
}

// deliver processes one delivery and acks it. A job interrupted by shutdown
// is left unacked so it is redelivered.
func (r *Runner) deliver(ctx context.Context, delivery Delivery) {
	if err := r.Process(ctx, delivery.Job); err != nil && ctx.Err() != nil {
		return
	}
	if delivery.Ack == nil {
		return
	}
	if err := delivery.Ack(ctx); err != nil && r.logger != nil {
		r.logger.WarnContext(ctx, "failed to ack job", "job_id", delivery.Job.ID, "error", err)
	}
}

// Process runs one job through its handler with retries and returns the final
// error. Exposed for synchronous callers and tests.
func (r *Runner) Process(ctx context.Context, job Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Kind]
	onExhausted := r.exhausted[job.Kind]
	r.mu.RUnlock()
	if !ok {
		jobsTotal.WithLabelValues(string(job.Kind), "unhandled").Inc()
		r.log(ctx, slog.LevelError, "no handler for job", job, nil)
		return dErrors.New(dErrors.CodeBadRequest, "no handler for job kind "+string(job.Kind))
	}

	if job.RequestID != "" {
		ctx = requestcontext.WithRequestID(ctx, job.RequestID)
	}
	ctx = requestcontext.WithActor(ctx, "job:"+string(job.Kind))

	attempts, err := Retry(ctx, r.policy, func(attemptCtx context.Context) error {
		attemptErr := h(attemptCtx, job)
		if attemptErr != nil {
			r.log(attemptCtx, slog.LevelWarn, "job attempt failed", job, attemptErr, "attempt", Attempt(attemptCtx))
		}
		return attemptErr
	})
	jobAttempts.WithLabelValues(string(job.Kind)).Observe(float64(attempts))

	switch {
	case err == nil:
		jobsTotal.WithLabelValues(string(job.Kind), "succeeded").Inc()
		r.log(ctx, slog.LevelInfo, "job succeeded", job, nil, "attempts", attempts)
	case dErrors.Permanent(err):
		jobsTotal.WithLabelValues(string(job.Kind), "permanent").Inc()
		r.log(ctx, slog.LevelError, "job failed permanently", job, err, "attempts", attempts)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		r.log(ctx, slog.LevelWarn, "job cancelled", job, err, "attempts", attempts)
	default:
		jobsTotal.WithLabelValues(string(job.Kind), "failed").Inc()
		r.log(ctx, slog.LevelError, "job exhausted retries", job, err, "attempts", attempts)
		if onExhausted != nil {
			onExhausted(ctx, job, err)
		}
	}
	return err
}

func (r *Runner) log(ctx context.Context, level slog.Level, msg string, job Job, err error, attrs ...any) {
	if r.logger == nil {
		return
	}
	args := append([]any{
		"job_id", job.ID,
		"kind", job.Kind,
		"selection_id", job.SelectionID,
	}, attrs...)
	if err != nil {
		args = append(args, "error", err)
	}
	if reqID := requestcontext.RequestID(ctx); reqID != "" {
		args = append(args, "request_id", reqID)
	}
	r.logger.Log(ctx, level, msg, args...)
}
