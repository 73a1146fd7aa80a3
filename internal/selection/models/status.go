package models

import (
	"slices"
	"strings"
	"time"

	"targeting/internal/criteria"
	dErrors "targeting/pkg/domain-errors"
)

// Status is the lifecycle status of a selection.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusProcessing       Status = "PROCESSING"
	StatusScoringWait      Status = "STEFICON_WAIT"
	StatusScoringRun       Status = "STEFICON_RUN"
	StatusScoringCompleted Status = "STEFICON_COMPLETED"
	StatusScoringError     Status = "STEFICON_ERROR"
	StatusLocked           Status = "LOCKED"
	StatusApproved         Status = "APPROVED"
	StatusFinalized        Status = "FINALIZED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusProcessing, StatusScoringWait, StatusScoringRun, StatusScoringCompleted,
		StatusScoringError, StatusLocked, StatusApproved, StatusFinalized:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// BuildStatus tracks the stats rebuild pipeline.
type BuildStatus string

const (
	BuildPending  BuildStatus = "PENDING"
	BuildBuilding BuildStatus = "BUILDING"
	BuildOK       BuildStatus = "OK"
	BuildFailed   BuildStatus = "FAILED"
)

func (b BuildStatus) IsValid() bool {
	switch b {
	case BuildPending, BuildBuilding, BuildOK, BuildFailed:
		return true
	}
	return false
}

// lockedStatuses hold a frozen candidate list that has not been approved.
var lockedStatuses = []Status{StatusLocked, StatusScoringCompleted, StatusScoringError}

// requireStatus fails with a message naming the statuses the event needs.
func (s *Selection) requireStatus(action string, allowed ...Status) error {
	if slices.Contains(allowed, s.Status) {
		return nil
	}
	return dErrors.New(dErrors.CodeInvalidTransition,
		"Only a selection with status "+joinStatuses(allowed)+" can be "+action)
}

func joinStatuses(statuses []Status) string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	if len(names) == 1 {
		return names[0]
	}
	return strings.Join(names[:len(names)-1], ", ") + " or " + names[len(names)-1]
}

// CanEditCriteria checks that criteria may still change.
func (s *Selection) CanEditCriteria() error {
	return s.requireStatus("edited", StatusOpen)
}

// ApplyCriteria replaces the candidate criteria; a new build is pending.
func (s *Selection) ApplyCriteria(c criteria.Criteria, now time.Time) {
	s.CandidateCriteria = c.Clone()
	s.BuildStatus = BuildPending
	s.UpdatedAt = now
}

// CanRebuild checks that the candidate list may be recomputed from criteria.
func (s *Selection) CanRebuild() error {
	if s.Status != StatusOpen {
		return dErrors.New(dErrors.CodeInvalidTransition, "Selection is not open for editing")
	}
	return nil
}

// CanLock checks the OPEN -> LOCKED transition.
func (s *Selection) CanLock() error {
	return s.requireStatus("locked", StatusOpen)
}

// ApplyProcessing marks the snapshot as being computed.
func (s *Selection) ApplyProcessing(now time.Time) {
	s.Status = StatusProcessing
	s.UpdatedAt = now
}

// CanCompleteLock checks that the snapshot being written still belongs to a
// pending lock.
func (s *Selection) CanCompleteLock() error {
	return s.requireStatus("locked", StatusProcessing)
}

// ApplyLocked freezes the candidate list with its aggregates.
func (s *Selection) ApplyLocked(households, individuals int, now time.Time) {
	s.Status = StatusLocked
	s.BuildStatus = BuildOK
	s.Stats = Stats{CandidateCount: households, CandidateIndividualsCount: individuals, UpdatedAt: &now}
	s.UpdatedAt = now
}

// ApplyLockFailed returns a selection stuck in PROCESSING to OPEN.
func (s *Selection) ApplyLockFailed(now time.Time) {
	s.Status = StatusOpen
	s.UpdatedAt = now
}

// CanUnlock checks the LOCKED -> OPEN transition.
func (s *Selection) CanUnlock() error {
	return s.requireStatus("unlocked", lockedStatuses...)
}

// ApplyUnlock reopens the selection. Memberships are cleared by the caller in
// the same transaction; scores and bounds go with them.
func (s *Selection) ApplyUnlock(now time.Time) {
	s.Status = StatusOpen
	s.BuildStatus = BuildPending
	s.Stats = Stats{UpdatedAt: &now}
	s.ScoringAppliedAt = nil
	s.ScoreBounds = ScoreBounds{}
	s.UpdatedAt = now
}

// CanApprove checks the LOCKED -> APPROVED transition.
func (s *Selection) CanApprove() error {
	return s.requireStatus("approved", StatusLocked, StatusScoringCompleted)
}

func (s *Selection) ApplyApprove(now time.Time) {
	s.Status = StatusApproved
	s.UpdatedAt = now
}

// CanUnapprove checks the APPROVED -> LOCKED transition.
func (s *Selection) CanUnapprove() error {
	return s.requireStatus("unapproved", StatusApproved)
}

func (s *Selection) ApplyUnapprove(now time.Time) {
	s.Status = StatusLocked
	s.UpdatedAt = now
}

// CanFinalize checks the APPROVED -> FINALIZED transition.
func (s *Selection) CanFinalize() error {
	return s.requireStatus("finalized", StatusApproved)
}

// ApplyFinalize freezes the final list. finalCriteria is nil when the
// candidate list is reused.
func (s *Selection) ApplyFinalize(finalCriteria *criteria.Criteria, households, individuals int, now time.Time) {
	if finalCriteria != nil {
		fc := finalCriteria.Clone()
		s.FinalCriteria = &fc
	}
	s.Status = StatusFinalized
	s.Stats.FinalCount = households
	s.Stats.FinalIndividualsCount = individuals
	s.Stats.UpdatedAt = &now
	s.FinalizedAt = &now
	s.UpdatedAt = now
}

// CanDelete allows soft deletion of anything not finalized.
func (s *Selection) CanDelete() error {
	if s.Status == StatusFinalized {
		return dErrors.New(dErrors.CodeInvalidTransition, "A selection with status FINALIZED cannot be deleted")
	}
	return nil
}

func (s *Selection) ApplyDelete(now time.Time) {
	s.DeletedAt = &now
	s.UpdatedAt = now
}

// CanRequestScoring checks that a frozen, unapproved list exists to score.
func (s *Selection) CanRequestScoring() error {
	return s.requireStatus("scored", lockedStatuses...)
}

// ApplyScoringRequested records the rule and waits for the scoring job.
func (s *Selection) ApplyScoringRequested(ref ScoringRuleRef, now time.Time) {
	s.ScoringRule = &ref
	s.Status = StatusScoringWait
	s.UpdatedAt = now
}

// CanRunScoring checks that a scoring job may (re)start. STEFICON_RUN and
// STEFICON_ERROR are accepted so retries and crashed runs can resume.
func (s *Selection) CanRunScoring() error {
	return s.requireStatus("scored", StatusScoringWait, StatusScoringRun, StatusScoringError)
}

// CanRecordScoringError checks that a failed scoring job may mark the
// selection STEFICON_ERROR. Approved and finalized lists are never touched.
func (s *Selection) CanRecordScoringError() error {
	return s.requireStatus("scored", StatusLocked, StatusScoringWait, StatusScoringRun, StatusScoringCompleted, StatusScoringError)
}

// CanSetScoreBounds checks that scores exist to filter on.
func (s *Selection) CanSetScoreBounds() error {
	return s.requireStatus("filtered by score", StatusScoringCompleted)
}

func (s *Selection) ApplyScoreBounds(bounds ScoreBounds, now time.Time) {
	s.ScoreBounds = ScoreBounds{Min: clonePtr(bounds.Min), Max: clonePtr(bounds.Max)}
	s.UpdatedAt = now
}

// ApplyBuildStatus records a pipeline state change.
func (s *Selection) ApplyBuildStatus(b BuildStatus, now time.Time) {
	s.BuildStatus = b
	s.UpdatedAt = now
}

// ApplyCandidateStats records refreshed candidate aggregates.
func (s *Selection) ApplyCandidateStats(households, individuals int, now time.Time) {
	s.Stats.CandidateCount = households
	s.Stats.CandidateIndividualsCount = individuals
	s.Stats.UpdatedAt = &now
	s.BuildStatus = BuildOK
	s.UpdatedAt = now
}

// ApplyFinalStats records refreshed final-list aggregates.
func (s *Selection) ApplyFinalStats(households, individuals int, now time.Time) {
	s.Stats.FinalCount = households
	s.Stats.FinalIndividualsCount = individuals
	s.Stats.UpdatedAt = &now
	s.UpdatedAt = now
}
