package verification

import (
	"context"
	"slices"
	"sync"

	id "targeting/pkg/domain"
	"targeting/pkg/platform/sentinel"
)

// InMemoryStore keeps plans in memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	plans map[id.VerificationID]*Plan
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{plans: make(map[id.VerificationID]*Plan)}
}

func (s *InMemoryStore) Save(_ context.Context, plan *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return sentinel.ErrConflict
	}
	s.plans[plan.ID] = clonePlan(plan)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, planID id.VerificationID) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clonePlan(plan), nil
}

// ListBySelection returns the selection's plans, oldest first.
func (s *InMemoryStore) ListBySelection(_ context.Context, selectionID id.SelectionID) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Plan
	for _, plan := range s.plans {
		if plan.SelectionID == selectionID {
			out = append(out, clonePlan(plan))
		}
	}
	slices.SortFunc(out, func(a, b *Plan) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func clonePlan(p *Plan) *Plan {
	c := *p
	c.PaymentIDs = slices.Clone(p.PaymentIDs)
	return &c
}

// InMemoryPayments is a PaymentSource backed by a slice, kept in insertion
// order.
type InMemoryPayments struct {
	mu       sync.RWMutex
	payments []Payment
}

func NewInMemoryPayments(payments ...Payment) *InMemoryPayments {
	return &InMemoryPayments{payments: slices.Clone(payments)}
}

func (p *InMemoryPayments) Add(payments ...Payment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, payments...)
}

func (p *InMemoryPayments) PaymentsForSelection(_ context.Context, selectionID id.SelectionID) ([]Payment, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Payment
	for _, pay := range p.payments {
		if pay.SelectionID == selectionID {
			out = append(out, pay)
		}
	}
	return out, nil
}
