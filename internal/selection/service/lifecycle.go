package service

import (
	"context"
	"fmt"
	"time"

	"targeting/internal/criteria"
	"targeting/internal/platform/jobs"
	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/audit"
	"targeting/pkg/requestcontext"
)

// CreateRequest describes a new selection.
type CreateRequest struct {
	Name         string
	ProgramID    id.ProgramID
	BusinessArea id.BusinessArea
	Criteria     criteria.Criteria
}

// Create stores a new OPEN selection and schedules its first candidate build.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Selection, error) {
	sel, err := models.NewSelection(req.Name, req.ProgramID, req.BusinessArea, req.Criteria,
		requestcontext.Actor(ctx), requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}
	if err := s.compiler.Validate(ctx, sel.CandidateCriteria, programOf(sel)); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, sel); err != nil {
		return nil, translate(err, "failed to create selection")
	}
	s.logAudit(ctx, audit.EventSelectionCreated, sel.ID, "program_id", sel.ProgramID)
	s.observeTransition("create", nil)

	if err := s.enqueue(ctx, jobs.KindFullRebuild, sel.ID); err != nil {
		s.warn(ctx, "initial rebuild not scheduled", sel.ID, err)
	}
	return sel, nil
}

// Copy creates an OPEN selection in the same program with a deep copy of the
// source's candidate criteria.
func (s *Service) Copy(ctx context.Context, sourceID id.SelectionID, name string) (*models.Selection, error) {
	source, err := s.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	sel, err := s.Create(ctx, CreateRequest{
		Name:         name,
		ProgramID:    source.ProgramID,
		BusinessArea: source.BusinessArea,
		Criteria:     source.CandidateCriteria,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, audit.EventSelectionCopied, sel.ID, "source_id", sourceID)
	return sel, nil
}

// Get returns a selection that has not been deleted.
func (s *Service) Get(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	sel, err := s.store.FindByID(ctx, selectionID)
	if err != nil {
		return nil, translate(err, "failed to load selection")
	}
	return sel, nil
}

// Memberships lists one membership list of a selection, ordered by household.
func (s *Service) Memberships(ctx context.Context, selectionID id.SelectionID, list models.List) ([]models.Membership, error) {
	if list != models.ListCandidate && list != models.ListFinal {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown membership list %q", list))
	}
	if _, err := s.Get(ctx, selectionID); err != nil {
		return nil, err
	}
	rows, err := s.store.Memberships(ctx, selectionID, list)
	if err != nil {
		return nil, translate(err, "failed to list memberships")
	}
	return rows, nil
}

// UpdateCriteria replaces the candidate criteria of an OPEN selection and
// schedules a rebuild of its candidate list.
func (s *Service) UpdateCriteria(ctx context.Context, selectionID id.SelectionID, c criteria.Criteria) (*models.Selection, error) {
	current, err := s.Get(ctx, selectionID)
	if err != nil {
		return nil, err
	}
	if err := s.compiler.Validate(ctx, c, programOf(current)); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)
	sel, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanEditCriteria, func(sel *models.Selection) {
		sel.ApplyCriteria(c, now)
	})
	s.observeTransition("update_criteria", err)
	if err != nil {
		return nil, translate(err, "failed to update criteria")
	}
	s.logAudit(ctx, audit.EventCriteriaUpdated, sel.ID)
	if err := s.enqueue(ctx, jobs.KindFullRebuild, sel.ID); err != nil {
		s.warn(ctx, "rebuild after criteria change not scheduled", sel.ID, err)
	}
	return sel, nil
}

// Lock compiles the candidate criteria against the live registry and freezes
// the result as the candidate list. The selection is PROCESSING while the
// snapshot is computed and returns to OPEN if it cannot be written.
func (s *Service) Lock(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	start := time.Now()
	now := requestcontext.Now(ctx)
	sel, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanLock, func(sel *models.Selection) {
		sel.ApplyProcessing(now)
	})
	if err != nil {
		s.observeTransition("lock", err)
		return nil, translate(err, "failed to lock selection")
	}

	locked, err := s.snapshotCandidates(ctx, sel, now)
	s.observeTransition("lock", err)
	if err != nil {
		s.revertLock(ctx, selectionID, now, err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ObserveLock(start)
		s.metrics.ObserveSnapshot(string(models.ListCandidate), locked.Stats.CandidateCount)
	}
	s.logAudit(ctx, audit.EventSelectionLocked, locked.ID,
		"households", locked.Stats.CandidateCount, "individuals", locked.Stats.CandidateIndividualsCount)
	return locked, nil
}

func (s *Service) snapshotCandidates(ctx context.Context, sel *models.Selection, now time.Time) (*models.Selection, error) {
	program := programOf(sel)
	predicate, err := s.compiler.Compile(ctx, sel.CandidateCriteria, program, criteria.WithAsOf(now))
	if err != nil {
		return nil, err
	}
	households, err := s.registry.Query(ctx, program, predicate)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to query registry")
	}
	rows := models.SnapshotOf(sel.ID, models.ListCandidate, households)
	hh, individuals := models.StatsFor(rows)

	var locked *models.Selection
	err = s.store.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		locked, err = s.store.Execute(txCtx, sel.ID, (*models.Selection).CanCompleteLock, func(sel *models.Selection) {
			sel.ApplyLocked(hh, individuals, now)
		})
		if err != nil {
			return err
		}
		_, _, err = s.store.SyncMemberships(txCtx, sel.ID, models.ListCandidate, rows)
		return err
	})
	if err != nil {
		return nil, translate(err, "failed to write candidate snapshot")
	}
	return locked, nil
}

func (s *Service) revertLock(ctx context.Context, selectionID id.SelectionID, now time.Time, cause error) {
	_, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanCompleteLock, func(sel *models.Selection) {
		sel.ApplyLockFailed(now)
	})
	if err != nil {
		s.warn(ctx, "failed to reopen selection after lock failure", selectionID, err)
	}
	s.logAudit(ctx, audit.EventLockFailed, selectionID, "error", cause.Error())
}

// Unlock reopens a locked selection. Its memberships, scores and stats are
// cleared in the same transaction.
func (s *Service) Unlock(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	now := requestcontext.Now(ctx)
	var sel *models.Selection
	err := s.store.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		sel, err = s.store.Execute(txCtx, selectionID, (*models.Selection).CanUnlock, func(sel *models.Selection) {
			sel.ApplyUnlock(now)
		})
		if err != nil {
			return err
		}
		return s.store.DeleteMemberships(txCtx, selectionID)
	})
	s.observeTransition("unlock", err)
	if err != nil {
		return nil, translate(err, "failed to unlock selection")
	}
	s.logAudit(ctx, audit.EventSelectionUnlocked, sel.ID)
	return sel, nil
}

func (s *Service) Approve(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	now := requestcontext.Now(ctx)
	sel, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanApprove, func(sel *models.Selection) {
		sel.ApplyApprove(now)
	})
	s.observeTransition("approve", err)
	if err != nil {
		return nil, translate(err, "failed to approve selection")
	}
	s.logAudit(ctx, audit.EventSelectionApproved, sel.ID)
	return sel, nil
}

func (s *Service) Unapprove(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	now := requestcontext.Now(ctx)
	sel, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanUnapprove, func(sel *models.Selection) {
		sel.ApplyUnapprove(now)
	})
	s.observeTransition("unapprove", err)
	if err != nil {
		return nil, translate(err, "failed to unapprove selection")
	}
	s.logAudit(ctx, audit.EventSelectionUnapprove, sel.ID)
	return sel, nil
}

// Finalize freezes the final list. With finalCriteria, only candidate
// households that still match it are kept; without, the candidate list is
// reused. Score bounds, when set, further restrict the list. FINALIZED is
// terminal.
func (s *Service) Finalize(ctx context.Context, selectionID id.SelectionID, finalCriteria *criteria.Criteria) (*models.Selection, error) {
	current, err := s.Get(ctx, selectionID)
	if err != nil {
		return nil, err
	}
	if err := current.CanFinalize(); err != nil {
		s.observeTransition("finalize", err)
		return nil, err
	}
	now := requestcontext.Now(ctx)

	candidates, err := s.store.Memberships(ctx, selectionID, models.ListCandidate)
	if err != nil {
		return nil, translate(err, "failed to load candidate list")
	}
	rows := make([]models.Membership, 0, len(candidates))
	for _, m := range candidates {
		if current.ScoreBounds.Contains(m.VulnerabilityScore) {
			rows = append(rows, m)
		}
	}
	if finalCriteria != nil {
		rows, err = s.restrict(ctx, current, *finalCriteria, rows, now)
		if err != nil {
			return nil, err
		}
	}
	hh, individuals := models.StatsFor(rows)

	var sel *models.Selection
	err = s.store.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		sel, err = s.store.Execute(txCtx, selectionID, (*models.Selection).CanFinalize, func(sel *models.Selection) {
			sel.ApplyFinalize(finalCriteria, hh, individuals, now)
		})
		if err != nil {
			return err
		}
		_, _, err = s.store.SyncMemberships(txCtx, selectionID, models.ListFinal, rows)
		return err
	})
	s.observeTransition("finalize", err)
	if err != nil {
		return nil, translate(err, "failed to finalize selection")
	}
	if s.metrics != nil {
		s.metrics.ObserveSnapshot(string(models.ListFinal), hh)
	}
	s.logAudit(ctx, audit.EventSelectionFinalized, sel.ID, "households", hh, "individuals", individuals)
	return sel, nil
}

// restrict keeps the memberships whose household matches c today.
func (s *Service) restrict(ctx context.Context, sel *models.Selection, c criteria.Criteria, rows []models.Membership, now time.Time) ([]models.Membership, error) {
	predicate, err := s.compiler.Compile(ctx, c, programOf(sel), criteria.WithAsOf(now))
	if err != nil {
		return nil, err
	}
	if predicate.MatchAll() || len(rows) == 0 {
		return rows, nil
	}
	ids := make([]id.HouseholdID, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, m.HouseholdID)
	}
	households, err := s.registry.Get(ctx, ids)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load households")
	}
	matched := make(map[id.HouseholdID]struct{}, len(households))
	for _, h := range households {
		if !h.Withdrawn && predicate.Match(h) {
			matched[h.ID] = struct{}{}
		}
	}
	kept := rows[:0]
	for _, m := range rows {
		if _, ok := matched[m.HouseholdID]; ok {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// Delete soft-deletes any selection that is not finalized.
func (s *Service) Delete(ctx context.Context, selectionID id.SelectionID) error {
	now := requestcontext.Now(ctx)
	_, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanDelete, func(sel *models.Selection) {
		sel.ApplyDelete(now)
	})
	s.observeTransition("delete", err)
	if err != nil {
		return translate(err, "failed to delete selection")
	}
	s.logAudit(ctx, audit.EventSelectionDeleted, selectionID)
	return nil
}

// SetScoreBounds restricts the future final list to scores within bounds.
func (s *Service) SetScoreBounds(ctx context.Context, selectionID id.SelectionID, bounds models.ScoreBounds) (*models.Selection, error) {
	if bounds.Min != nil && bounds.Max != nil && *bounds.Min > *bounds.Max {
		return nil, dErrors.New(dErrors.CodeValidation, "score bounds must satisfy min <= max")
	}
	now := requestcontext.Now(ctx)
	sel, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanSetScoreBounds, func(sel *models.Selection) {
		sel.ApplyScoreBounds(bounds, now)
	})
	s.observeTransition("set_score_bounds", err)
	if err != nil {
		return nil, translate(err, "failed to set score bounds")
	}
	s.logAudit(ctx, audit.EventScoreBoundsSet, sel.ID)
	return sel, nil
}

// RequestScoring records the scoring rule version and schedules scoring of
// the candidate list.
func (s *Service) RequestScoring(ctx context.Context, selectionID id.SelectionID, ref models.ScoringRuleRef) (*models.Selection, error) {
	if ref.ID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "scoring_rule_id is required")
	}
	if s.rules != nil && !s.rules.Has(ref) {
		return nil, dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("scoring rule %s version %d is not registered", ref.ID, ref.Version))
	}
	now := requestcontext.Now(ctx)
	sel, err := s.store.Execute(ctx, selectionID, (*models.Selection).CanRequestScoring, func(sel *models.Selection) {
		sel.ApplyScoringRequested(ref, now)
	})
	s.observeTransition("request_scoring", err)
	if err != nil {
		return nil, translate(err, "failed to request scoring")
	}
	s.logAudit(ctx, audit.EventScoringRequested, sel.ID, "rule_id", ref.ID, "rule_version", ref.Version)
	if err := s.enqueue(ctx, jobs.KindApplyScoring, sel.ID); err != nil {
		return nil, err
	}
	return sel, nil
}

// RequestRebuild marks the stats as pending and schedules a rebuild. A full
// rebuild re-evaluates criteria and therefore needs an OPEN selection.
func (s *Service) RequestRebuild(ctx context.Context, selectionID id.SelectionID, kind jobs.Kind) (*models.Selection, error) {
	validate := func(*models.Selection) error { return nil }
	switch kind {
	case jobs.KindFullRebuild:
		validate = (*models.Selection).CanRebuild
	case jobs.KindRefreshStats:
	default:
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown rebuild kind %q", kind))
	}
	now := requestcontext.Now(ctx)
	sel, err := s.store.Execute(ctx, selectionID, validate, func(sel *models.Selection) {
		sel.ApplyBuildStatus(models.BuildPending, now)
	})
	if err != nil {
		return nil, translate(err, "failed to request rebuild")
	}
	s.logAudit(ctx, audit.EventRebuildRequested, sel.ID, "operation", string(kind))
	if err := s.enqueue(ctx, kind, sel.ID); err != nil {
		return nil, err
	}
	return sel, nil
}

func (s *Service) warn(ctx context.Context, msg string, selectionID id.SelectionID, err error) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, msg, "selection_id", selectionID, "error", err)
	}
}
