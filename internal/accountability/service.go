// Package accountability creates outreach messages addressed to a sample of
// households, drawn from a selection or from an explicit household list.
package accountability

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"targeting/internal/registry"
	registrymodels "targeting/internal/registry/models"
	"targeting/internal/sampling"
	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/sentinel"
	"targeting/pkg/requestcontext"
)

// Message is an outreach message and the households it is sent to.
type Message struct {
	ID                 id.MessageID
	Title              string
	Body               string
	SelectionID        *id.SelectionID
	Sampling           sampling.Mode
	NumberOfRecipients int
	SampleSize         int
	HouseholdIDs       []id.HouseholdID
	CreatedBy          string
	CreatedAt          time.Time
}

type Store interface {
	Save(ctx context.Context, msg *Message) error
}

// SelectionReader loads a selection and its memberships.
type SelectionReader interface {
	FindByID(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error)
	Memberships(ctx context.Context, selectionID id.SelectionID, list models.List) ([]models.Membership, error)
}

type Service struct {
	store      Store
	selections SelectionReader
	registry   registry.Source
	logger     *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, selections SelectionReader, source registry.Source, opts ...Option) *Service {
	s := &Service{store: store, selections: selections, registry: source}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateMessageRequest targets either a selection or an explicit list of
// households, never both.
type CreateMessageRequest struct {
	Title        string
	Body         string
	SelectionID  *id.SelectionID
	HouseholdIDs []id.HouseholdID
	Sampling     sampling.Arguments
}

func (r CreateMessageRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return dErrors.New(dErrors.CodeValidation, "message title is required")
	}
	if strings.TrimSpace(r.Body) == "" {
		return dErrors.New(dErrors.CodeValidation, "message body is required")
	}
	if (r.SelectionID == nil) == (len(r.HouseholdIDs) == 0) {
		return dErrors.New(dErrors.CodeValidation, "exactly one of selection or households is required")
	}
	return r.Sampling.Validate()
}

// CreateMessage samples the target households and stores the message. A
// finalized selection is sampled from its final list, any other from its
// candidate list. Households are stratified by their head's sex and age.
func (s *Service) CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	householdIDs := req.HouseholdIDs
	if req.SelectionID != nil {
		var err error
		householdIDs, err = s.selectionHouseholds(ctx, *req.SelectionID)
		if err != nil {
			return nil, err
		}
	}
	households, err := s.registry.Get(ctx, householdIDs)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load households")
	}
	byID := make(map[id.HouseholdID]registrymodels.Household, len(households))
	for _, h := range households {
		byID[h.ID] = h
	}

	now := requestcontext.Now(ctx)
	records := make([]sampling.Record, 0, len(householdIDs))
	for _, householdID := range householdIDs {
		h, ok := byID[householdID]
		if !ok {
			return nil, dErrors.New(dErrors.CodeNotFound, "household "+householdID.String()+" not found")
		}
		records = append(records, recordOf(h, now))
	}
	result, err := sampling.Sample(records, req.Sampling)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:                 id.MessageID(uuid.New()),
		Title:              strings.TrimSpace(req.Title),
		Body:               req.Body,
		SelectionID:        req.SelectionID,
		Sampling:           req.Sampling.Mode,
		NumberOfRecipients: result.NumberOfRecipients,
		SampleSize:         result.SampleSize,
		HouseholdIDs:       make([]id.HouseholdID, 0, result.SampleSize),
		CreatedBy:          requestcontext.Actor(ctx),
		CreatedAt:          now,
	}
	for _, householdID := range result.IDs() {
		msg.HouseholdIDs = append(msg.HouseholdIDs, id.HouseholdID(householdID))
	}
	if err := s.store.Save(ctx, msg); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save message")
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "accountability message created",
			"message_id", msg.ID,
			"sampling", msg.Sampling,
			"number_of_recipients", msg.NumberOfRecipients,
			"sample_size", msg.SampleSize,
		)
	}
	return msg, nil
}

func (s *Service) selectionHouseholds(ctx context.Context, selectionID id.SelectionID) ([]id.HouseholdID, error) {
	sel, err := s.selections.FindByID(ctx, selectionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "selection not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load selection")
	}
	list := models.ListCandidate
	if sel.Status == models.StatusFinalized {
		list = models.ListFinal
	}
	rows, err := s.selections.Memberships(ctx, selectionID, list)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load memberships")
	}
	out := make([]id.HouseholdID, len(rows))
	for i, row := range rows {
		out[i] = row.HouseholdID
	}
	return out, nil
}

// recordOf describes a household by its head of household.
func recordOf(h registrymodels.Household, now time.Time) sampling.Record {
	rec := sampling.Record{ID: uuid.UUID(h.ID), AdminAreaID: h.AdminAreaID}
	for _, ind := range h.Individuals {
		if ind.ID == h.HeadID {
			rec.Sex = ind.Sex
			rec.Age = sampling.AgeAt(ind.BirthDate, now)
			break
		}
	}
	return rec
}

// InMemoryStore keeps messages in memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[id.MessageID]*Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{messages: make(map[id.MessageID]*Message)}
}

func (s *InMemoryStore) Save(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return sentinel.ErrConflict
	}
	c := *msg
	c.HouseholdIDs = slices.Clone(msg.HouseholdIDs)
	s.messages[msg.ID] = &c
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, messageID id.MessageID) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *msg
	c.HouseholdIDs = slices.Clone(msg.HouseholdIDs)
	return &c, nil
}
