// Package service implements the selection lifecycle: creating selections,
// editing candidate criteria, and the lock, approve and finalize events that
// freeze membership snapshots. Long-running work is handed to background jobs.
package service

import (
	"context"
	"errors"
	"log/slog"

	"targeting/internal/catalog"
	"targeting/internal/criteria"
	"targeting/internal/platform/jobs"
	"targeting/internal/registry"
	"targeting/internal/selection/metrics"
	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/audit"
	"targeting/pkg/platform/sentinel"
	"targeting/pkg/requestcontext"
)

type Store interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	Create(ctx context.Context, sel *models.Selection) error
	FindByID(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error)
	Execute(ctx context.Context, selectionID id.SelectionID, validate func(*models.Selection) error, mutate func(*models.Selection)) (*models.Selection, error)
	SyncMemberships(ctx context.Context, selectionID id.SelectionID, list models.List, rows []models.Membership) (added, removed int, err error)
	DeleteMemberships(ctx context.Context, selectionID id.SelectionID) error
	Memberships(ctx context.Context, selectionID id.SelectionID, list models.List) ([]models.Membership, error)
}

// RuleCatalog reports whether a scoring rule version is registered.
type RuleCatalog interface {
	Has(ref models.ScoringRuleRef) bool
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service orchestrates the selection lifecycle.
type Service struct {
	store          Store
	compiler       *criteria.Compiler
	registry       registry.Source
	queue          jobs.Queue
	rules          RuleCatalog
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

// WithQueue enables background jobs. Without a queue, rebuilds and scoring
// must be triggered by the caller.
func WithQueue(q jobs.Queue) Option {
	return func(s *Service) {
		s.queue = q
	}
}

// WithRuleCatalog makes RequestScoring reject unknown rule versions.
func WithRuleCatalog(rules RuleCatalog) Option {
	return func(s *Service) {
		s.rules = rules
	}
}

// New constructs a Service.
func New(store Store, compiler *criteria.Compiler, source registry.Source, opts ...Option) *Service {
	s := &Service{store: store, compiler: compiler, registry: source}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func programOf(sel *models.Selection) catalog.Program {
	return catalog.Program{ID: sel.ProgramID, BusinessArea: sel.BusinessArea}
}

// translate maps store failures onto domain errors. Coded errors pass through.
func translate(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "selection not found")
	case errors.Is(err, sentinel.ErrStaleVersion):
		return dErrors.Wrap(err, dErrors.CodeConflict, "selection was modified concurrently")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "selection name must be unique within the program")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

func (s *Service) enqueue(ctx context.Context, kind jobs.Kind, selectionID id.SelectionID) error {
	if s.queue == nil {
		return nil
	}
	job := jobs.NewJob(kind, selectionID, requestcontext.Now(ctx))
	job.RequestID = requestcontext.RequestID(ctx)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to enqueue "+string(kind))
	}
	return nil
}

func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, selectionID id.SelectionID, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	actor := requestcontext.Actor(ctx)
	if requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "selection_id", selectionID, "actor", actor, "event", string(event), "log_type", "audit")
	if s.logger != nil {
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
	})
}

func (s *Service) observeTransition(event string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	s.metrics.ObserveTransition(event, outcome)
}
