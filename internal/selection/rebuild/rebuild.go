// Package rebuild recomputes selection aggregates in the background.
//
// RefreshStats recounts the stored memberships; FullRebuild re-runs the
// candidate criteria against the registry and diffs the candidate list before
// recounting. Each operation holds a named lock per selection for its whole
// run, and every aggregate write happens in one transaction with the
// membership writes it summarises.
package rebuild

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"targeting/internal/catalog"
	"targeting/internal/criteria"
	"targeting/internal/platform/jobs"
	"targeting/internal/platform/lock"
	"targeting/internal/registry"
	"targeting/internal/selection/metrics"
	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/audit"
	"targeting/pkg/platform/sentinel"
	"targeting/pkg/requestcontext"
)

const (
	OperationRefreshStats = string(jobs.KindRefreshStats)
	OperationFullRebuild  = string(jobs.KindFullRebuild)
)

var tracer = otel.Tracer("targeting/internal/selection/rebuild")

type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	FindByID(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error)
	Execute(ctx context.Context, selectionID id.SelectionID, validate func(*models.Selection) error, mutate func(*models.Selection)) (*models.Selection, error)
	ForceBuildStatus(ctx context.Context, selectionID id.SelectionID, status models.BuildStatus, now time.Time) error
	SyncMemberships(ctx context.Context, selectionID id.SelectionID, list models.List, rows []models.Membership) (added, removed int, err error)
	Memberships(ctx context.Context, selectionID id.SelectionID, list models.List) ([]models.Membership, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Pipeline runs refresh_stats and full_rebuild.
type Pipeline struct {
	store          Store
	compiler       *criteria.Compiler
	registry       registry.Source
	locker         lock.Locker
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(p *Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(p *Pipeline) {
		p.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New constructs a Pipeline.
func New(store Store, compiler *criteria.Compiler, source registry.Source, locker lock.Locker, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, compiler: compiler, registry: source, locker: locker}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register installs the pipeline's job handlers on r. A job that runs out of
// retries leaves the selection with build_status FAILED.
func (p *Pipeline) Register(r *jobs.Runner) {
	r.Handle(jobs.KindRefreshStats, func(ctx context.Context, job jobs.Job) error {
		_, err := p.RefreshStats(ctx, job.SelectionID)
		return err
	})
	r.OnExhausted(jobs.KindRefreshStats, p.exhausted(OperationRefreshStats, exists))
	r.Handle(jobs.KindFullRebuild, func(ctx context.Context, job jobs.Job) error {
		_, err := p.FullRebuild(ctx, job.SelectionID)
		return err
	})
	r.OnExhausted(jobs.KindFullRebuild, p.exhausted(OperationFullRebuild, (*models.Selection).CanRebuild))
}

// exhausted records FAILED for a job whose attempts never reached the body,
// such as a lock held past every acquire timeout. Selections the operation no
// longer applies to are left alone.
func (p *Pipeline) exhausted(op string, precondition func(*models.Selection) error) jobs.ExhaustedFunc {
	return func(ctx context.Context, job jobs.Job, cause error) {
		sel, err := p.store.FindByID(ctx, job.SelectionID)
		if err != nil {
			p.warn(ctx, "failed to load selection after exhausted "+op, job.SelectionID, err)
			return
		}
		if sel.BuildStatus == models.BuildFailed || precondition(sel) != nil {
			return
		}
		if err := p.store.ForceBuildStatus(ctx, sel.ID, models.BuildFailed, requestcontext.Now(ctx)); err != nil {
			p.warn(ctx, "failed to record build failure", sel.ID, err)
			return
		}
		p.logAudit(ctx, audit.EventRebuildFailed, sel.ID, "operation", op, "error", cause.Error())
	}
}

// RefreshStats recomputes candidate and final aggregates from the stored
// memberships without evaluating criteria.
func (p *Pipeline) RefreshStats(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	return p.run(ctx, OperationRefreshStats, selectionID, exists, p.refresh)
}

// FullRebuild re-evaluates the candidate criteria, replaces the candidate
// list with the result and recomputes its aggregates. Only OPEN selections
// can be rebuilt.
func (p *Pipeline) FullRebuild(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	return p.run(ctx, OperationFullRebuild, selectionID, (*models.Selection).CanRebuild, p.rebuild)
}

func exists(*models.Selection) error { return nil }

type body func(ctx context.Context, sel *models.Selection, now time.Time) (*models.Selection, error)

// run holds the operation lock, marks the build BUILDING and records OK or
// FAILED depending on the outcome of fn.
func (p *Pipeline) run(ctx context.Context, op string, selectionID id.SelectionID, precondition func(*models.Selection) error, fn body) (_ *models.Selection, err error) {
	ctx, span := tracer.Start(ctx, "rebuild."+op, trace.WithAttributes(
		attribute.String("selection_id", selectionID.String()),
		attribute.Int("attempt", jobs.Attempt(ctx)),
	))
	defer span.End()
	start := time.Now()
	outcome := "failed"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.metrics != nil {
			p.metrics.ObserveRebuild(op, outcome, start)
		}
	}()

	lease, err := p.locker.Acquire(ctx, lock.Key(op, selectionID))
	if err != nil {
		if errors.Is(err, sentinel.ErrLockNotAcquired) {
			return nil, dErrors.Wrap(err, dErrors.CodeTransient, op+" already running for selection")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "failed to acquire "+op+" lock")
	}
	defer p.release(ctx, lease)

	now := requestcontext.Now(ctx)
	sel, err := p.store.Execute(ctx, selectionID, precondition, func(sel *models.Selection) {
		sel.ApplyBuildStatus(models.BuildBuilding, now)
	})
	if err != nil {
		err = translate(err, "failed to start "+op)
		if dErrors.Permanent(err) {
			outcome = "rejected"
		}
		p.logAudit(ctx, audit.EventRebuildFailed, selectionID, "operation", op, "error", err.Error())
		return nil, err
	}

	result, err := fn(ctx, sel, now)
	if err != nil {
		err = translate(err, op+" failed")
		if dErrors.HasCode(err, dErrors.CodeInvalidTransition) {
			// The selection left OPEN mid-build; the transition that moved it
			// owns build_status now.
			outcome = "rejected"
			p.logAudit(ctx, audit.EventRebuildFailed, selectionID, "operation", op, "error", err.Error())
			return nil, err
		}
		if ferr := p.store.ForceBuildStatus(ctx, selectionID, models.BuildFailed, requestcontext.Now(ctx)); ferr != nil {
			p.warn(ctx, "failed to record build failure", selectionID, ferr)
		}
		p.logAudit(ctx, audit.EventRebuildFailed, selectionID, "operation", op, "error", err.Error())
		return nil, err
	}

	outcome = "ok"
	p.logAudit(ctx, audit.EventRebuildCompleted, selectionID, "operation", op,
		"households", result.Stats.CandidateCount, "individuals", result.Stats.CandidateIndividualsCount)
	return result, nil
}

func (p *Pipeline) refresh(ctx context.Context, sel *models.Selection, now time.Time) (*models.Selection, error) {
	var out *models.Selection
	err := p.store.RunInTx(ctx, func(txCtx context.Context) error {
		candidates, err := p.store.Memberships(txCtx, sel.ID, models.ListCandidate)
		if err != nil {
			return err
		}
		final, err := p.store.Memberships(txCtx, sel.ID, models.ListFinal)
		if err != nil {
			return err
		}
		candidateHH, candidateInd := models.StatsFor(candidates)
		finalHH, finalInd := models.StatsFor(final)
		out, err = p.store.Execute(txCtx, sel.ID, exists, func(sel *models.Selection) {
			sel.ApplyCandidateStats(candidateHH, candidateInd, now)
			sel.ApplyFinalStats(finalHH, finalInd, now)
		})
		return err
	})
	return out, err
}

func (p *Pipeline) rebuild(ctx context.Context, sel *models.Selection, now time.Time) (*models.Selection, error) {
	program := catalog.Program{ID: sel.ProgramID, BusinessArea: sel.BusinessArea}
	predicate, err := p.compiler.Compile(ctx, sel.CandidateCriteria, program, criteria.WithAsOf(now))
	if err != nil {
		return nil, err
	}
	households, err := p.registry.Query(ctx, program, predicate)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTransient, "failed to query registry")
	}
	rows := models.SnapshotOf(sel.ID, models.ListCandidate, households)
	hh, individuals := models.StatsFor(rows)

	var (
		out            *models.Selection
		added, removed int
	)
	err = p.store.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		out, err = p.store.Execute(txCtx, sel.ID, (*models.Selection).CanRebuild, func(sel *models.Selection) {
			sel.ApplyCandidateStats(hh, individuals, now)
		})
		if err != nil {
			return err
		}
		added, removed, err = p.store.SyncMemberships(txCtx, sel.ID, models.ListCandidate, rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.ObserveMembershipDiff(added, removed)
	}
	if p.logger != nil {
		p.logger.InfoContext(ctx, "candidate list rebuilt",
			"selection_id", sel.ID, "added", added, "removed", removed, "households", hh)
	}
	return out, nil
}

func (p *Pipeline) release(ctx context.Context, lease lock.Lease) {
	err := lease.Release(context.WithoutCancel(ctx))
	if err == nil || p.logger == nil {
		return
	}
	if errors.Is(err, sentinel.ErrLockLost) {
		p.logger.WarnContext(ctx, "rebuild lock expired before release", "key", lease.Key())
		return
	}
	p.logger.ErrorContext(ctx, "failed to release rebuild lock", "key", lease.Key(), "error", err)
}

// translate keeps coded errors and classifies store failures.
func translate(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "selection not found")
	case errors.Is(err, sentinel.ErrStaleVersion):
		return dErrors.Wrap(err, dErrors.CodeConflict, "selection was modified concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeTransient, msg)
	}
}

func (p *Pipeline) warn(ctx context.Context, msg string, selectionID id.SelectionID, err error) {
	if p.logger != nil {
		p.logger.WarnContext(ctx, msg, "selection_id", selectionID, "error", err)
	}
}

func (p *Pipeline) logAudit(ctx context.Context, event audit.AuditEvent, selectionID id.SelectionID, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	actor := requestcontext.Actor(ctx)
	if p.logger != nil {
		args := append(attributes, "selection_id", selectionID, "actor", actor, "request_id", requestID,
			"event", string(event), "log_type", "audit")
		p.logger.InfoContext(ctx, string(event), args...)
	}
	if p.auditPublisher == nil {
		return
	}
	reason, _ := reasonOf(attributes)
	_ = p.auditPublisher.Emit(ctx, audit.Event{
		Timestamp:   requestcontext.Now(ctx),
		SelectionID: selectionID,
		Action:      string(event),
		Actor:       actor,
		RequestID:   requestID,
		Reason:      reason,
	})
}

// reasonOf extracts the "error" attribute, if any, for the audit record.
func reasonOf(attributes []any) (string, bool) {
	for i := 0; i+1 < len(attributes); i += 2 {
		if k, ok := attributes[i].(string); ok && k == "error" {
			v, ok := attributes[i+1].(string)
			return v, ok
		}
	}
	return "", false
}
