// Package scoring annotates a selection's candidate list with vulnerability
// scores computed by versioned, externally authored rules.
package scoring

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"targeting/internal/platform/jobs"
	"targeting/internal/platform/lock"
	"targeting/internal/registry"
	registrymodels "targeting/internal/registry/models"
	"targeting/internal/scoring/metrics"
	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/audit"
	"targeting/pkg/platform/sentinel"
	"targeting/pkg/requestcontext"
)

// Operation names the scoring job and its lock.
const Operation = string(jobs.KindApplyScoring)

const (
	defaultConcurrency = 8
	defaultRuleTimeout = 30 * time.Second
)

var tracer = otel.Tracer("targeting/internal/scoring")

type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	FindByID(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error)
	ForceStatus(ctx context.Context, selectionID id.SelectionID, status models.Status, scoringAppliedAt *time.Time, now time.Time) error
	Memberships(ctx context.Context, selectionID id.SelectionID, list models.List) ([]models.Membership, error)
	SetScores(ctx context.Context, selectionID id.SelectionID, scores map[id.HouseholdID]float64) error
}

// RuleResolver looks up a scoring rule version.
type RuleResolver interface {
	Resolve(ref models.ScoringRuleRef) (Rule, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service runs apply_scoring.
type Service struct {
	store          Store
	rules          RuleResolver
	registry       registry.Source
	locker         lock.Locker
	concurrency    int
	ruleTimeout    time.Duration
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithConcurrency bounds the number of rule executions in flight.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithRuleTimeout bounds a single rule execution.
func WithRuleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ruleTimeout = d
		}
	}
}

// New constructs a Service.
func New(store Store, rules RuleResolver, source registry.Source, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:       store,
		rules:       rules,
		registry:    source,
		locker:      locker,
		concurrency: defaultConcurrency,
		ruleTimeout: defaultRuleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs the apply_scoring job handler on r. A job that runs out
// of retries leaves the selection in STEFICON_ERROR.
func (s *Service) Register(r *jobs.Runner) {
	r.Handle(jobs.KindApplyScoring, func(ctx context.Context, job jobs.Job) error {
		_, err := s.ApplyScoring(ctx, job.SelectionID)
		return err
	})
	r.OnExhausted(jobs.KindApplyScoring, s.exhausted)
}

// exhausted records STEFICON_ERROR for a job whose attempts never reached the
// rule, such as one that could not take the scoring lock.
func (s *Service) exhausted(ctx context.Context, job jobs.Job, cause error) {
	sel, err := s.store.FindByID(ctx, job.SelectionID)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load selection after exhausted scoring", "selection_id", job.SelectionID, "error", err)
		}
		return
	}
	if sel.Status == models.StatusScoringError || sel.CanRecordScoringError() != nil {
		return
	}
	s.markError(ctx, sel.ID)
	s.logAudit(ctx, audit.EventScoringFailed, sel.ID, cause)
}

// markError forces STEFICON_ERROR and stamps scoring_applied_at.
func (s *Service) markError(ctx context.Context, selectionID id.SelectionID) {
	now := requestcontext.Now(ctx)
	if err := s.store.ForceStatus(ctx, selectionID, models.StatusScoringError, &now, now); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "failed to record scoring error", "selection_id", selectionID, "error", err)
	}
}

// ApplyScoring scores every candidate membership of the selection with its
// configured rule and writes all scores in one transaction. A run that fails
// leaves the selection in STEFICON_ERROR and may be retried; re-running
// overwrites the same rows.
func (s *Service) ApplyScoring(ctx context.Context, selectionID id.SelectionID) (_ *models.Selection, err error) {
	ctx, span := tracer.Start(ctx, "scoring.apply", trace.WithAttributes(
		attribute.String("selection_id", selectionID.String()),
		attribute.Int("attempt", jobs.Attempt(ctx)),
	))
	defer span.End()
	start := time.Now()
	outcome, scored := "rejected", 0
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if s.metrics != nil {
			s.metrics.ObserveRun(outcome, start, scored)
		}
	}()

	lease, err := s.locker.Acquire(ctx, lock.Key(Operation, selectionID))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "failed to acquire scoring lock")
	}
	defer s.release(ctx, lease)

	sel, err := s.store.FindByID(ctx, selectionID)
	if err != nil {
		return nil, translate(err, "failed to load selection")
	}
	if sel.ScoringRule == nil {
		err = dErrors.New(dErrors.CodeScoringNotConfigured, "selection has no scoring rule configured")
		if sel.CanRecordScoringError() == nil {
			s.markError(ctx, selectionID)
		}
		s.logAudit(ctx, audit.EventScoringFailed, selectionID, err)
		return nil, err
	}
	if err := sel.CanRunScoring(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("scoring_rule", sel.ScoringRule.String()))

	outcome = "error"
	scored, err = s.run(ctx, sel)
	if err != nil {
		s.markError(ctx, selectionID)
		err = translate(err, "scoring failed")
		s.logAudit(ctx, audit.EventScoringFailed, selectionID, err)
		return nil, err
	}

	if err := s.store.ForceStatus(ctx, selectionID, models.StatusScoringCompleted, nil, requestcontext.Now(ctx)); err != nil {
		return nil, translate(err, "failed to record scoring completion")
	}
	outcome = "completed"
	s.logAudit(ctx, audit.EventScoringCompleted, selectionID, nil, "households", scored)
	out, err := s.store.FindByID(ctx, selectionID)
	if err != nil {
		return nil, translate(err, "failed to reload selection")
	}
	return out, nil
}

// run marks the selection STEFICON_RUN, scores its candidates and writes the
// scores. It returns the number of scored households.
func (s *Service) run(ctx context.Context, sel *models.Selection) (int, error) {
	rule, err := s.rules.Resolve(*sel.ScoringRule)
	if err != nil {
		return 0, err
	}
	now := requestcontext.Now(ctx)
	if err := s.store.ForceStatus(ctx, sel.ID, models.StatusScoringRun, &now, now); err != nil {
		return 0, err
	}

	rows, err := s.store.Memberships(ctx, sel.ID, models.ListCandidate)
	if err != nil {
		return 0, err
	}
	households, err := s.households(ctx, rows)
	if err != nil {
		return 0, err
	}

	values := make([]float64, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.execute(gctx, rule, Context{Household: households[row.HouseholdID], Selection: sel})
			if err != nil {
				return err
			}
			values[i] = res.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	scores := make(map[id.HouseholdID]float64, len(rows))
	for i, row := range rows {
		scores[row.HouseholdID] = values[i]
	}
	err = s.store.RunInTx(ctx, func(txCtx context.Context) error {
		return s.store.SetScores(txCtx, sel.ID, scores)
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *Service) execute(ctx context.Context, rule Rule, in Context) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.ruleTimeout)
	defer cancel()
	res, err := rule.Execute(ctx, in)
	if err == nil {
		return res, nil
	}
	if s.metrics != nil && !errors.Is(err, context.Canceled) {
		s.metrics.IncRuleFailure()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{}, dErrors.Wrap(err, dErrors.CodeTransient, "scoring rule timed out for household "+in.Household.ID.String())
	}
	return Result{}, err
}

// households loads the registry records behind rows, keyed by id.
func (s *Service) households(ctx context.Context, rows []models.Membership) (map[id.HouseholdID]registrymodels.Household, error) {
	ids := make([]id.HouseholdID, len(rows))
	for i, row := range rows {
		ids[i] = row.HouseholdID
	}
	found, err := s.registry.Get(ctx, ids)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "failed to load households")
	}
	out := make(map[id.HouseholdID]registrymodels.Household, len(found))
	for _, h := range found {
		out[h.ID] = h
	}
	for _, householdID := range ids {
		if _, ok := out[householdID]; !ok {
			return nil, dErrors.New(dErrors.CodeInternal, "household "+householdID.String()+" is missing from the registry")
		}
	}
	return out, nil
}

func (s *Service) release(ctx context.Context, lease lock.Lease) {
	err := lease.Release(context.WithoutCancel(ctx))
	if err == nil || s.logger == nil {
		return
	}
	if errors.Is(err, sentinel.ErrLockLost) {
		s.logger.WarnContext(ctx, "scoring lock expired before release", "key", lease.Key())
		return
	}
	s.logger.ErrorContext(ctx, "failed to release scoring lock", "key", lease.Key(), "error", err)
}

// translate keeps coded errors; anything else is worth a retry.
func translate(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "selection not found")
	default:
		return dErrors.Wrap(err, dErrors.CodeTransient, msg)
	}
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, selectionID id.SelectionID, cause error, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	actor := requestcontext.Actor(ctx)
	var reason string
	if cause != nil {
		reason = cause.Error()
		attributes = append(attributes, "error", reason)
	}
	if s.logger != nil {
		args := append(attributes, "selection_id", selectionID, "actor", actor, "request_id", requestID,
			"event", string(event), "log_type", "audit")
		s.logger.InfoContext(ctx, string(event), args...)
	}
	if s.auditPublisher == nil {
		return
	}
	_ = s.auditPublisher.Emit(ctx, audit.Event{
		Timestamp:   requestcontext.Now(ctx),
		SelectionID: selectionID,
		Action:      string(event),
		Actor:       actor,
		RequestID:   requestID,
		Reason:      reason,
	})
}
