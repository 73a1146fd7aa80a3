package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"targeting/internal/criteria"
	registrymodels "targeting/internal/registry/models"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
)

// Selection is the aggregate tracking which households are targeted for a
// program cycle.
//
// Invariants:
//   - Name is non-empty and at most 255 characters
//   - Candidate criteria can change only while OPEN
//   - Memberships are frozen from LOCKED until unlocked
//   - FINALIZED is terminal: no event other than reads is accepted
//   - Stats always reflect the last successful rebuild; they are written in
//     the same transaction as the memberships they are derived from
//   - Version increases on every versioned write
type Selection struct {
	ID                id.SelectionID
	Name              string
	ProgramID         id.ProgramID
	BusinessArea      id.BusinessArea
	Status            Status
	BuildStatus       BuildStatus
	CandidateCriteria criteria.Criteria
	FinalCriteria     *criteria.Criteria
	ScoringRule       *ScoringRuleRef
	ScoringAppliedAt  *time.Time
	ScoreBounds       ScoreBounds
	Stats             Stats
	Version           int64
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	FinalizedAt       *time.Time
	DeletedAt         *time.Time
}

// ScoringRuleRef names a versioned scoring rule.
type ScoringRuleRef struct {
	ID      id.ScoringRuleID
	Version int
}

func (r ScoringRuleRef) String() string {
	return r.ID.String() + "@v" + strconv.Itoa(r.Version)
}

// ScoreBounds restricts the final list to memberships scored inside
// [Min, Max]. A nil bound is open.
type ScoreBounds struct {
	Min *float64
	Max *float64
}

// IsSet reports whether any bound is configured.
func (b ScoreBounds) IsSet() bool {
	return b.Min != nil || b.Max != nil
}

// Contains reports whether score satisfies the bounds. Unscored memberships
// satisfy only unset bounds.
func (b ScoreBounds) Contains(score *float64) bool {
	if !b.IsSet() {
		return true
	}
	if score == nil {
		return false
	}
	if b.Min != nil && *score < *b.Min {
		return false
	}
	if b.Max != nil && *score > *b.Max {
		return false
	}
	return true
}

// Stats are the aggregates derived from memberships.
type Stats struct {
	CandidateCount            int
	CandidateIndividualsCount int
	FinalCount                int
	FinalIndividualsCount     int
	UpdatedAt                 *time.Time
}

// List distinguishes the editable candidate list from the frozen final list.
type List string

const (
	ListCandidate List = "CANDIDATE"
	ListFinal     List = "FINAL"
)

// Membership links a selection to a household. HouseholdSize is captured at
// selection time so aggregates stay stable when the registry changes.
type Membership struct {
	SelectionID        id.SelectionID
	HouseholdID        id.HouseholdID
	List               List
	HouseholdSize      int
	VulnerabilityScore *float64
}

const maxNameLength = 255

// NewSelection creates an OPEN selection awaiting its first build.
func NewSelection(name string, program id.ProgramID, ba id.BusinessArea, c criteria.Criteria, createdBy string, now time.Time) (*Selection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "selection name cannot be empty")
	}
	if len(name) > maxNameLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "selection name must be 255 characters or less")
	}
	if program.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "program_id is required")
	}
	return &Selection{
		ID:                id.SelectionID(uuid.New()),
		Name:              name,
		ProgramID:         program,
		BusinessArea:      ba,
		Status:            StatusOpen,
		BuildStatus:       BuildPending,
		CandidateCriteria: c.Clone(),
		Version:           1,
		CreatedBy:         createdBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// IsDeleted reports whether the selection was soft-deleted.
func (s *Selection) IsDeleted() bool {
	return s.DeletedAt != nil
}

// Clone returns a deep copy, so stores never share mutable state with callers.
func (s *Selection) Clone() *Selection {
	c := *s
	c.CandidateCriteria = s.CandidateCriteria.Clone()
	if s.FinalCriteria != nil {
		fc := s.FinalCriteria.Clone()
		c.FinalCriteria = &fc
	}
	if s.ScoringRule != nil {
		ref := *s.ScoringRule
		c.ScoringRule = &ref
	}
	c.ScoringAppliedAt = clonePtr(s.ScoringAppliedAt)
	c.ScoreBounds = ScoreBounds{Min: clonePtr(s.ScoreBounds.Min), Max: clonePtr(s.ScoreBounds.Max)}
	c.Stats.UpdatedAt = clonePtr(s.Stats.UpdatedAt)
	c.FinalizedAt = clonePtr(s.FinalizedAt)
	c.DeletedAt = clonePtr(s.DeletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StatsFor derives aggregates of one list from its memberships.
func StatsFor(memberships []Membership) (households, individuals int) {
	for _, m := range memberships {
		households++
		individuals += m.HouseholdSize
	}
	return households, individuals
}

// SnapshotOf builds membership rows for households, capturing their current
// size.
func SnapshotOf(selectionID id.SelectionID, list List, households []registrymodels.Household) []Membership {
	rows := make([]Membership, 0, len(households))
	for _, h := range households {
		rows = append(rows, Membership{
			SelectionID:   selectionID,
			HouseholdID:   h.ID,
			List:          list,
			HouseholdSize: h.Size,
		})
	}
	return rows
}
