package registry

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"targeting/internal/catalog"
	"targeting/internal/criteria"
	"targeting/internal/registry/models"
	id "targeting/pkg/domain"
)

// InMemory is a registry Source over households held in memory. Used by tests
// and by the worker when no database is configured.
type InMemory struct {
	mu         sync.RWMutex
	households map[id.HouseholdID]models.Household
}

// NewInMemory returns an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{households: make(map[id.HouseholdID]models.Household)}
}

// Add inserts or replaces households.
func (r *InMemory) Add(households ...models.Household) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range households {
		h.Individuals = slices.Clone(h.Individuals)
		r.households[h.ID] = h
	}
}

// Update applies fn to a stored household, for tests that mutate the
// registry after a snapshot was taken.
func (r *InMemory) Update(householdID id.HouseholdID, fn func(h *models.Household)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.households[householdID]
	if !ok {
		return false
	}
	fn(&h)
	r.households[householdID] = h
	return true
}

func (r *InMemory) Query(_ context.Context, program catalog.Program, p *criteria.Predicate) ([]models.Household, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Household
	for _, h := range r.households {
		if h.ProgramID != program.ID || h.Withdrawn {
			continue
		}
		if p.Match(h) {
			out = append(out, h)
		}
	}
	sortByID(out)
	return out, nil
}

func (r *InMemory) Get(_ context.Context, ids []id.HouseholdID) ([]models.Household, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Household, 0, len(ids))
	for _, householdID := range ids {
		if h, ok := r.households[householdID]; ok {
			out = append(out, h)
		}
	}
	sortByID(out)
	return out, nil
}

func sortByID(households []models.Household) {
	slices.SortFunc(households, func(a, b models.Household) int {
		ua, ub := uuid.UUID(a.ID), uuid.UUID(b.ID)
		return bytes.Compare(ua[:], ub[:])
	})
}
