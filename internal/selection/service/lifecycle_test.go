package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"targeting/internal/catalog"
	"targeting/internal/criteria"
	"targeting/internal/platform/jobs"
	"targeting/internal/platform/logger"
	"targeting/internal/registry"
	registrymocks "targeting/internal/registry/mocks"
	registrymodels "targeting/internal/registry/models"
	"targeting/internal/selection/models"
	"targeting/internal/selection/store"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/audit"
	"targeting/pkg/platform/audit/publisher"
	auditmemory "targeting/pkg/platform/audit/store/memory"
	"targeting/pkg/requestcontext"
)

// =============================================================================
// Lifecycle Test Suite
// =============================================================================
// Runs the service against in-memory stores and registry so snapshots,
// transitions and their transactional writes are exercised end to end.

type LifecycleSuite struct {
	suite.Suite
	ctx        context.Context
	now        time.Time
	program    catalog.Program
	compiler   *criteria.Compiler
	store      *store.InMemory
	registry   *registry.InMemory
	queue      *jobs.MemoryQueue
	auditStore *auditmemory.InMemoryStore
	service    *Service
	households []registrymodels.Household
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

func (s *LifecycleSuite) SetupTest() {
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(requestcontext.WithActor(context.Background(), "officer@example.org"), s.now)
	s.program = catalog.Program{ID: id.ProgramID(uuid.New()), BusinessArea: "afghanistan"}

	cat, err := catalog.NewWithCore()
	s.Require().NoError(err)
	s.compiler = criteria.NewCompiler(cat)
	s.store = store.NewInMemory()
	s.registry = registry.NewInMemory()
	s.queue = jobs.NewMemoryQueue(64)
	s.auditStore = auditmemory.NewInMemoryStore()

	s.households = nil
	for _, size := range []int{1, 3, 4, 5} {
		s.households = append(s.households, registrymodels.Household{
			ID:        id.HouseholdID(uuid.New()),
			ProgramID: s.program.ID,
			Size:      size,
		})
	}
	s.registry.Add(s.households...)
	s.service = s.newService(s.registry)
}

func (s *LifecycleSuite) newService(source registry.Source, opts ...Option) *Service {
	opts = append([]Option{
		WithQueue(s.queue),
		WithLogger(logger.Discard()),
		WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
	}, opts...)
	return New(s.store, s.compiler, source, opts...)
}

// sizeAtLeast matches households with size >= n.
func sizeAtLeast(n int) criteria.Criteria {
	return criteria.Criteria{Rules: []criteria.Rule{{
		Filters: []criteria.FieldFilter{{FieldName: "size", ComparisonMethod: criteria.MethodGreaterThan, Arguments: []any{n}}},
	}}}
}

func (s *LifecycleSuite) create(name string, c criteria.Criteria) *models.Selection {
	sel, err := s.service.Create(s.ctx, CreateRequest{
		Name:         name,
		ProgramID:    s.program.ID,
		BusinessArea: s.program.BusinessArea,
		Criteria:     c,
	})
	s.Require().NoError(err)
	return sel
}

func (s *LifecycleSuite) locked(name string) *models.Selection {
	sel := s.create(name, sizeAtLeast(3))
	_, err := s.service.Lock(s.ctx, sel.ID)
	s.Require().NoError(err)
	return sel
}

func (s *LifecycleSuite) requireTransitionError(err error, msg string) {
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition), "expected invalid transition, got %v", err)
	s.Equal(msg, err.Error())
}

func (s *LifecycleSuite) actions(selectionID id.SelectionID) []string {
	events, err := s.auditStore.ListBySelection(s.ctx, selectionID)
	s.Require().NoError(err)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}

func (s *LifecycleSuite) TestCreate() {
	s.Run("creates an open selection and schedules its first build", func() {
		sel := s.create("Round 1", sizeAtLeast(3))
		s.Equal(models.StatusOpen, sel.Status)
		s.Equal(models.BuildPending, sel.BuildStatus)
		s.Equal("officer@example.org", sel.CreatedBy)
		s.Equal(1, s.queue.Len())
		s.Equal([]string{string(audit.EventSelectionCreated)}, s.actions(sel.ID))
	})

	s.Run("rejects a duplicate name in the same program", func() {
		_, err := s.service.Create(s.ctx, CreateRequest{Name: "round 1", ProgramID: s.program.ID, BusinessArea: "afghanistan"})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict), "got %v", err)
	})

	s.Run("rejects an empty name", func() {
		_, err := s.service.Create(s.ctx, CreateRequest{Name: "  ", ProgramID: s.program.ID})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
	})

	s.Run("rejects criteria on unknown fields", func() {
		_, err := s.service.Create(s.ctx, CreateRequest{
			Name:      "Bad criteria",
			ProgramID: s.program.ID,
			Criteria: criteria.Criteria{Rules: []criteria.Rule{{
				Filters: []criteria.FieldFilter{{FieldName: "no_such_field", ComparisonMethod: criteria.MethodEquals, Arguments: []any{"x"}}},
			}}},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidCriteria), "got %v", err)
		s.Contains(err.Error(), "no_such_field")
	})
}

func (s *LifecycleSuite) TestLock() {
	s.Run("snapshots exactly the matching households", func() {
		sel := s.create("Lock", sizeAtLeast(3))

		locked, err := s.service.Lock(s.ctx, sel.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusLocked, locked.Status)
		s.Equal(models.BuildOK, locked.BuildStatus)
		s.Equal(3, locked.Stats.CandidateCount)
		s.Equal(12, locked.Stats.CandidateIndividualsCount)

		rows, err := s.service.Memberships(s.ctx, sel.ID, models.ListCandidate)
		s.Require().NoError(err)
		s.Len(rows, 3)
		s.Contains(s.actions(sel.ID), string(audit.EventSelectionLocked))
	})

	s.Run("snapshot does not follow later registry changes", func() {
		sel := s.create("Frozen", sizeAtLeast(3))
		_, err := s.service.Lock(s.ctx, sel.ID)
		s.Require().NoError(err)

		s.registry.Update(s.households[0].ID, func(h *registrymodels.Household) { h.Size = 10 })

		rows, err := s.service.Memberships(s.ctx, sel.ID, models.ListCandidate)
		s.Require().NoError(err)
		s.Len(rows, 3)
	})

	s.Run("requires an open selection", func() {
		sel := s.locked("Twice")
		_, err := s.service.Lock(s.ctx, sel.ID)
		s.requireTransitionError(err, "Only a selection with status OPEN can be locked")
	})

	s.Run("registry failure reopens the selection", func() {
		ctrl := gomock.NewController(s.T())
		source := registrymocks.NewMockSource(ctrl)
		source.EXPECT().Query(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("registry down"))
		svc := s.newService(source)

		sel := s.create("Unlucky", sizeAtLeast(3))
		_, err := svc.Lock(s.ctx, sel.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable), "got %v", err)

		found, err := svc.Get(s.ctx, sel.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusOpen, found.Status)
		s.Contains(s.actions(sel.ID), string(audit.EventLockFailed))
	})
}

func (s *LifecycleSuite) TestUnlock() {
	sel := s.locked("Unlock")

	unlocked, err := s.service.Unlock(s.ctx, sel.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusOpen, unlocked.Status)
	s.Equal(models.BuildPending, unlocked.BuildStatus)
	s.Zero(unlocked.Stats.CandidateCount)
	s.Zero(unlocked.Stats.CandidateIndividualsCount)

	rows, err := s.service.Memberships(s.ctx, sel.ID, models.ListCandidate)
	s.Require().NoError(err)
	s.Empty(rows)

	_, err = s.service.Unlock(s.ctx, sel.ID)
	s.requireTransitionError(err, "Only a selection with status LOCKED, STEFICON_COMPLETED or STEFICON_ERROR can be unlocked")
}

func (s *LifecycleSuite) TestApproveAndUnapprove() {
	s.Run("unapprove names the required status", func() {
		sel := s.create("Open", sizeAtLeast(3))
		_, err := s.service.Unapprove(s.ctx, sel.ID)
		s.requireTransitionError(err, "Only a selection with status APPROVED can be unapproved")

		_, err = s.service.Approve(s.ctx, sel.ID)
		s.requireTransitionError(err, "Only a selection with status LOCKED or STEFICON_COMPLETED can be approved")
	})

	s.Run("approve and unapprove keep memberships", func() {
		sel := s.locked("Approve")

		approved, err := s.service.Approve(s.ctx, sel.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusApproved, approved.Status)

		back, err := s.service.Unapprove(s.ctx, sel.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusLocked, back.Status)

		rows, err := s.service.Memberships(s.ctx, sel.ID, models.ListCandidate)
		s.Require().NoError(err)
		s.Len(rows, 3)
	})
}

func (s *LifecycleSuite) TestFinalize() {
	s.Run("is irreversible", func() {
		sel := s.locked("Final")
		_, err := s.service.Approve(s.ctx, sel.ID)
		s.Require().NoError(err)

		final, err := s.service.Finalize(s.ctx, sel.ID, nil)
		s.Require().NoError(err)
		s.Equal(models.StatusFinalized, final.Status)
		s.Equal(3, final.Stats.FinalCount)
		s.Equal(12, final.Stats.FinalIndividualsCount)
		s.NotNil(final.FinalizedAt)

		rows, err := s.service.Memberships(s.ctx, sel.ID, models.ListFinal)
		s.Require().NoError(err)
		s.Len(rows, 3)

		_, err = s.service.Lock(s.ctx, sel.ID)
		s.requireTransitionError(err, "Only a selection with status OPEN can be locked")
		_, err = s.service.Unlock(s.ctx, sel.ID)
		s.requireTransitionError(err, "Only a selection with status LOCKED, STEFICON_COMPLETED or STEFICON_ERROR can be unlocked")
		err = s.service.Delete(s.ctx, sel.ID)
		s.requireTransitionError(err, "A selection with status FINALIZED cannot be deleted")
	})

	s.Run("requires approval", func() {
		sel := s.locked("Not approved")
		_, err := s.service.Finalize(s.ctx, sel.ID, nil)
		s.requireTransitionError(err, "Only a selection with status APPROVED can be finalized")
	})

	s.Run("final criteria and score bounds restrict the candidate list", func() {
		sel := s.locked("Scored")
		scores := map[id.HouseholdID]float64{
			s.households[1].ID: 6, // size 3
			s.households[2].ID: 4, // size 4
			s.households[3].ID: 9, // size 5
		}
		s.Require().NoError(s.store.SetScores(s.ctx, sel.ID, scores))
		s.Require().NoError(s.store.ForceStatus(s.ctx, sel.ID, models.StatusScoringCompleted, &s.now, s.now))

		minScore := 5.0
		_, err := s.service.SetScoreBounds(s.ctx, sel.ID, models.ScoreBounds{Min: &minScore})
		s.Require().NoError(err)
		_, err = s.service.Approve(s.ctx, sel.ID)
		s.Require().NoError(err)

		finalCriteria := criteria.Criteria{Rules: []criteria.Rule{{
			Filters: []criteria.FieldFilter{{FieldName: "size", ComparisonMethod: criteria.MethodLessThan, Arguments: []any{4}}},
		}}}
		final, err := s.service.Finalize(s.ctx, sel.ID, &finalCriteria)
		s.Require().NoError(err)
		s.Equal(1, final.Stats.FinalCount)
		s.Equal(3, final.Stats.FinalIndividualsCount)
		s.Require().NotNil(final.FinalCriteria)

		rows, err := s.service.Memberships(s.ctx, sel.ID, models.ListFinal)
		s.Require().NoError(err)
		s.Require().Len(rows, 1)
		s.Equal(s.households[1].ID, rows[0].HouseholdID)
	})
}

func (s *LifecycleSuite) TestUpdateCriteria() {
	sel := s.create("Edit", sizeAtLeast(3))
	pending := s.queue.Len()

	updated, err := s.service.UpdateCriteria(s.ctx, sel.ID, sizeAtLeast(5))
	s.Require().NoError(err)
	s.Equal(sizeAtLeast(5), updated.CandidateCriteria)
	s.Equal(pending+1, s.queue.Len())

	_, err = s.service.Lock(s.ctx, sel.ID)
	s.Require().NoError(err)
	_, err = s.service.UpdateCriteria(s.ctx, sel.ID, sizeAtLeast(1))
	s.requireTransitionError(err, "Only a selection with status OPEN can be edited")
}

type ruleSet map[models.ScoringRuleRef]bool

func (r ruleSet) Has(ref models.ScoringRuleRef) bool { return r[ref] }

func (s *LifecycleSuite) TestRequestScoring() {
	ref := models.ScoringRuleRef{ID: id.ScoringRuleID(uuid.New()), Version: 2}

	s.Run("requires a locked selection", func() {
		sel := s.create("Score open", sizeAtLeast(3))
		_, err := s.service.RequestScoring(s.ctx, sel.ID, ref)
		s.requireTransitionError(err, "Only a selection with status LOCKED, STEFICON_COMPLETED or STEFICON_ERROR can be scored")
	})

	s.Run("records the rule and schedules the job", func() {
		sel := s.locked("Score")
		drain(s.queue)

		waiting, err := s.service.RequestScoring(s.ctx, sel.ID, ref)
		s.Require().NoError(err)
		s.Equal(models.StatusScoringWait, waiting.Status)
		s.Equal(&ref, waiting.ScoringRule)

		jobsSeen := drain(s.queue)
		s.Require().Len(jobsSeen, 1)
		s.Equal(jobs.KindApplyScoring, jobsSeen[0].Kind)
		s.Equal(sel.ID, jobsSeen[0].SelectionID)
	})

	s.Run("rejects a missing or unknown rule", func() {
		sel := s.locked("Score unknown")
		_, err := s.service.RequestScoring(s.ctx, sel.ID, models.ScoringRuleRef{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)

		svc := s.newService(s.registry, WithRuleCatalog(ruleSet{}))
		_, err = svc.RequestScoring(s.ctx, sel.ID, ref)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
	})
}

func (s *LifecycleSuite) TestRequestRebuild() {
	sel := s.create("Rebuild", sizeAtLeast(3))

	s.Run("full rebuild while open", func() {
		_, err := s.service.RequestRebuild(s.ctx, sel.ID, jobs.KindFullRebuild)
		s.Require().NoError(err)
	})

	s.Run("full rebuild needs an open selection but refresh does not", func() {
		_, err := s.service.Lock(s.ctx, sel.ID)
		s.Require().NoError(err)

		_, err = s.service.RequestRebuild(s.ctx, sel.ID, jobs.KindFullRebuild)
		s.requireTransitionError(err, "Selection is not open for editing")

		refreshed, err := s.service.RequestRebuild(s.ctx, sel.ID, jobs.KindRefreshStats)
		s.Require().NoError(err)
		s.Equal(models.BuildPending, refreshed.BuildStatus)
	})

	s.Run("rejects other job kinds", func() {
		_, err := s.service.RequestRebuild(s.ctx, sel.ID, jobs.KindApplyScoring)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
	})
}

func (s *LifecycleSuite) TestCopyAndDelete() {
	source := s.create("Source", sizeAtLeast(3))

	copied, err := s.service.Copy(s.ctx, source.ID, "Source (copy)")
	s.Require().NoError(err)
	s.NotEqual(source.ID, copied.ID)
	s.Equal(models.StatusOpen, copied.Status)
	s.Equal(source.CandidateCriteria, copied.CandidateCriteria)

	s.Require().NoError(s.service.Delete(s.ctx, source.ID))
	_, err = s.service.Get(s.ctx, source.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "got %v", err)

	_, err = s.service.Create(s.ctx, CreateRequest{Name: "Source", ProgramID: s.program.ID, BusinessArea: "afghanistan"})
	s.NoError(err, "a deleted selection frees its name")
}

func drain(q *jobs.MemoryQueue) []jobs.Job {
	var out []jobs.Job
	for q.Len() > 0 {
		d, err := q.Receive(context.Background())
		if err != nil {
			break
		}
		out = append(out, d.Job)
	}
	return out
}
