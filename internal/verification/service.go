// Package verification creates payment-verification plans: a sample of a
// finalized selection's payments to be contacted and confirmed.
package verification

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"targeting/internal/sampling"
	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/sentinel"
	"targeting/pkg/requestcontext"
)

type Store interface {
	Save(ctx context.Context, plan *Plan) error
	FindByID(ctx context.Context, planID id.VerificationID) (*Plan, error)
}

// PaymentSource lists the payments made to a selection, in delivery order.
type PaymentSource interface {
	PaymentsForSelection(ctx context.Context, selectionID id.SelectionID) ([]Payment, error)
}

// SelectionReader loads selections.
type SelectionReader interface {
	FindByID(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error)
}

type Service struct {
	store      Store
	payments   PaymentSource
	selections SelectionReader
	logger     *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, payments PaymentSource, selections SelectionReader, opts ...Option) *Service {
	s := &Service{store: store, payments: payments, selections: selections}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreatePlanRequest struct {
	SelectionID id.SelectionID
	Channel     Channel
	Sampling    sampling.Arguments
}

// CreatePlan samples the payments of a finalized selection and stores the
// resulting plan.
func (s *Service) CreatePlan(ctx context.Context, req CreatePlanRequest) (*Plan, error) {
	if !req.Channel.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "verification channel must be MANUAL, RAPIDPRO or XLSX")
	}
	if err := req.Sampling.Validate(); err != nil {
		return nil, err
	}
	sel, err := s.selections.FindByID(ctx, req.SelectionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "selection not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load selection")
	}
	if sel.Status != models.StatusFinalized {
		return nil, dErrors.New(dErrors.CodeInvalidTransition, "Verification plans can only be created for a FINALIZED selection")
	}

	payments, err := s.payments.PaymentsForSelection(ctx, sel.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load payments")
	}
	now := requestcontext.Now(ctx)
	records := make([]sampling.Record, len(payments))
	for i, p := range payments {
		records[i] = sampling.Record{
			ID:          uuid.UUID(p.ID),
			AdminAreaID: p.AdminAreaID,
			Sex:         p.HeadSex,
			Age:         sampling.AgeAt(p.HeadBirthDate, now),
		}
	}
	result, err := sampling.Sample(records, req.Sampling)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:                 id.VerificationID(uuid.New()),
		SelectionID:        sel.ID,
		Channel:            req.Channel,
		Sampling:           req.Sampling.Mode,
		Arguments:          req.Sampling,
		Status:             PlanPending,
		NumberOfRecipients: result.NumberOfRecipients,
		SampleSize:         result.SampleSize,
		PaymentIDs:         make([]id.PaymentID, 0, len(result.Records)),
		CreatedBy:          requestcontext.Actor(ctx),
		CreatedAt:          now,
	}
	for _, paymentID := range result.IDs() {
		plan.PaymentIDs = append(plan.PaymentIDs, id.PaymentID(paymentID))
	}
	if err := s.store.Save(ctx, plan); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save verification plan")
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "verification plan created",
			"plan_id", plan.ID,
			"selection_id", sel.ID,
			"channel", plan.Channel,
			"sampling", plan.Sampling,
			"number_of_recipients", plan.NumberOfRecipients,
			"sample_size", plan.SampleSize,
		)
	}
	return plan, nil
}

// Get returns a stored plan.
func (s *Service) Get(ctx context.Context, planID id.VerificationID) (*Plan, error) {
	plan, err := s.store.FindByID(ctx, planID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "verification plan not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification plan")
	}
	return plan, nil
}
