// Package store persists selections, their memberships and aggregates.
//
// Both implementations offer the same guarantees: Execute validates and
// mutates a selection atomically and bumps its version; RunInTx makes every
// store call made with the returned context commit or roll back together;
// Force* writes bypass the version check for status fields owned by a
// single background step.
package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	"targeting/pkg/platform/sentinel"
)

type memTxKey struct{}

// InMemory keeps selections in process. A transaction holds the store mutex
// for its whole duration and restores a snapshot on error, so partial writes
// are never visible.
type InMemory struct {
	mu          sync.Mutex
	selections  map[id.SelectionID]*models.Selection
	memberships map[id.SelectionID]map[models.List]map[id.HouseholdID]models.Membership
}

// NewInMemory returns an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		selections:  make(map[id.SelectionID]*models.Selection),
		memberships: make(map[id.SelectionID]map[models.List]map[id.HouseholdID]models.Membership),
	}
}

// acquire locks the store unless ctx already runs inside one of its
// transactions.
func (s *InMemory) acquire(ctx context.Context) func() {
	if owner, ok := ctx.Value(memTxKey{}).(*InMemory); ok && owner == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RunInTx runs fn atomically. Nested calls join the outer transaction.
func (s *InMemory) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if owner, ok := ctx.Value(memTxKey{}).(*InMemory); ok && owner == s {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, s)); err != nil {
		s.selections, s.memberships = snapshot.selections, snapshot.memberships
		return err
	}
	return nil
}

type memSnapshot struct {
	selections  map[id.SelectionID]*models.Selection
	memberships map[id.SelectionID]map[models.List]map[id.HouseholdID]models.Membership
}

func (s *InMemory) snapshot() memSnapshot {
	snap := memSnapshot{
		selections:  make(map[id.SelectionID]*models.Selection, len(s.selections)),
		memberships: make(map[id.SelectionID]map[models.List]map[id.HouseholdID]models.Membership, len(s.memberships)),
	}
	for k, v := range s.selections {
		snap.selections[k] = v.Clone()
	}
	for selID, lists := range s.memberships {
		copied := make(map[models.List]map[id.HouseholdID]models.Membership, len(lists))
		for list, rows := range lists {
			r := make(map[id.HouseholdID]models.Membership, len(rows))
			for hh, m := range rows {
				m.VulnerabilityScore = cloneScore(m.VulnerabilityScore)
				r[hh] = m
			}
			copied[list] = r
		}
		snap.memberships[selID] = copied
	}
	return snap
}

func (s *InMemory) Create(ctx context.Context, sel *models.Selection) error {
	unlock := s.acquire(ctx)
	defer unlock()
	if _, ok := s.selections[sel.ID]; ok {
		return sentinel.ErrConflict
	}
	for _, existing := range s.selections {
		if existing.ProgramID == sel.ProgramID && !existing.IsDeleted() && strings.EqualFold(existing.Name, sel.Name) {
			return sentinel.ErrConflict
		}
	}
	s.selections[sel.ID] = sel.Clone()
	return nil
}

// FindByID returns the selection, or sentinel.ErrNotFound when it does not
// exist or was deleted.
func (s *InMemory) FindByID(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	unlock := s.acquire(ctx)
	defer unlock()
	sel, ok := s.selections[selectionID]
	if !ok || sel.IsDeleted() {
		return nil, sentinel.ErrNotFound
	}
	return sel.Clone(), nil
}

func (s *InMemory) Execute(ctx context.Context, selectionID id.SelectionID, validate func(*models.Selection) error, mutate func(*models.Selection)) (*models.Selection, error) {
	unlock := s.acquire(ctx)
	defer unlock()
	current, ok := s.selections[selectionID]
	if !ok || current.IsDeleted() {
		return nil, sentinel.ErrNotFound
	}
	working := current.Clone()
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)
	working.Version = current.Version + 1
	s.selections[selectionID] = working
	return working.Clone(), nil
}

func (s *InMemory) ForceStatus(ctx context.Context, selectionID id.SelectionID, status models.Status, scoringAppliedAt *time.Time, now time.Time) error {
	unlock := s.acquire(ctx)
	defer unlock()
	sel, ok := s.selections[selectionID]
	if !ok {
		return sentinel.ErrNotFound
	}
	sel.Status = status
	if scoringAppliedAt != nil {
		at := *scoringAppliedAt
		sel.ScoringAppliedAt = &at
	}
	sel.UpdatedAt = now
	return nil
}

func (s *InMemory) ForceBuildStatus(ctx context.Context, selectionID id.SelectionID, status models.BuildStatus, now time.Time) error {
	unlock := s.acquire(ctx)
	defer unlock()
	sel, ok := s.selections[selectionID]
	if !ok {
		return sentinel.ErrNotFound
	}
	sel.BuildStatus = status
	sel.UpdatedAt = now
	return nil
}

func (s *InMemory) SyncMemberships(ctx context.Context, selectionID id.SelectionID, list models.List, rows []models.Membership) (added, removed int, err error) {
	unlock := s.acquire(ctx)
	defer unlock()
	if _, ok := s.selections[selectionID]; !ok {
		return 0, 0, sentinel.ErrNotFound
	}
	lists := s.memberships[selectionID]
	if lists == nil {
		lists = make(map[models.List]map[id.HouseholdID]models.Membership)
		s.memberships[selectionID] = lists
	}
	existing := lists[list]
	next := make(map[id.HouseholdID]models.Membership, len(rows))
	for _, m := range rows {
		m.SelectionID = selectionID
		m.List = list
		if prev, ok := existing[m.HouseholdID]; ok {
			if m.VulnerabilityScore == nil {
				m.VulnerabilityScore = cloneScore(prev.VulnerabilityScore)
			}
		} else {
			added++
		}
		next[m.HouseholdID] = m
	}
	for hh := range existing {
		if _, ok := next[hh]; !ok {
			removed++
		}
	}
	lists[list] = next
	return added, removed, nil
}

func (s *InMemory) DeleteMemberships(ctx context.Context, selectionID id.SelectionID) error {
	unlock := s.acquire(ctx)
	defer unlock()
	delete(s.memberships, selectionID)
	return nil
}

func (s *InMemory) Memberships(ctx context.Context, selectionID id.SelectionID, list models.List) ([]models.Membership, error) {
	unlock := s.acquire(ctx)
	defer unlock()
	if _, ok := s.selections[selectionID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	rows := s.memberships[selectionID][list]
	out := make([]models.Membership, 0, len(rows))
	for _, m := range rows {
		m.VulnerabilityScore = cloneScore(m.VulnerabilityScore)
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b models.Membership) int {
		return strings.Compare(a.HouseholdID.String(), b.HouseholdID.String())
	})
	return out, nil
}

func (s *InMemory) SetScores(ctx context.Context, selectionID id.SelectionID, scores map[id.HouseholdID]float64) error {
	unlock := s.acquire(ctx)
	defer unlock()
	rows := s.memberships[selectionID][models.ListCandidate]
	for hh, score := range scores {
		m, ok := rows[hh]
		if !ok {
			continue
		}
		v := score
		m.VulnerabilityScore = &v
		rows[hh] = m
	}
	return nil
}

func cloneScore(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
