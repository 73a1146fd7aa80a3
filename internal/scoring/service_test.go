package scoring_test

//go:generate mockgen -source=rule.go -destination=mocks/mocks.go -package=mocks Rule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"targeting/internal/criteria"
	"targeting/internal/platform/jobs"
	"targeting/internal/platform/lock"
	"targeting/internal/platform/logger"
	"targeting/internal/registry"
	registrymodels "targeting/internal/registry/models"
	"targeting/internal/scoring"
	"targeting/internal/scoring/mocks"
	"targeting/internal/selection/models"
	"targeting/internal/selection/store"
	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/platform/audit"
	"targeting/pkg/platform/audit/publisher"
	auditmemory "targeting/pkg/platform/audit/store/memory"
	"targeting/pkg/platform/circuit"
	"targeting/pkg/requestcontext"
)

type ScoringSuite struct {
	suite.Suite
	ctx        context.Context
	now        time.Time
	program    id.ProgramID
	store      *store.InMemory
	registry   *registry.InMemory
	locker     *lock.MemoryLocker
	auditStore *auditmemory.InMemoryStore
	rules      *scoring.Registry
	ref        models.ScoringRuleRef
	households []registrymodels.Household
}

func TestScoringSuite(t *testing.T) {
	suite.Run(t, new(ScoringSuite))
}

func (s *ScoringSuite) SetupTest() {
	s.now = time.Date(2026, 5, 3, 8, 30, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(requestcontext.WithActor(context.Background(), "job:apply_scoring"), s.now)
	s.program = id.ProgramID(uuid.New())
	s.store = store.NewInMemory()
	s.registry = registry.NewInMemory()
	s.locker = lock.NewMemoryLocker(lock.Options{AcquireTimeout: time.Second, TTL: time.Minute, PollInterval: time.Millisecond})
	s.auditStore = auditmemory.NewInMemoryStore()
	s.rules = scoring.NewRegistry()
	s.ref = models.ScoringRuleRef{ID: id.ScoringRuleID(uuid.New()), Version: 1}

	s.households = nil
	for _, size := range []int{2, 3, 7} {
		s.households = append(s.households, registrymodels.Household{ID: id.HouseholdID(uuid.New()), ProgramID: s.program, Size: size})
	}
	s.registry.Add(s.households...)
}

func (s *ScoringSuite) newService(rules scoring.RuleResolver, opts ...scoring.Option) *scoring.Service {
	opts = append([]scoring.Option{
		scoring.WithLogger(logger.Discard()),
		scoring.WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
	}, opts...)
	return scoring.New(s.store, rules, s.registry, s.locker, opts...)
}

// awaiting stores a locked selection whose scoring was requested with ref.
func (s *ScoringSuite) awaiting(ref *models.ScoringRuleRef, status models.Status) *models.Selection {
	sel, err := models.NewSelection("Scored "+uuid.NewString()[:8], s.program, "afghanistan", criteria.Criteria{}, "officer@example.org", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, sel))
	_, _, err = s.store.SyncMemberships(s.ctx, sel.ID, models.ListCandidate, models.SnapshotOf(sel.ID, models.ListCandidate, s.households))
	s.Require().NoError(err)
	_, err = s.store.Execute(s.ctx, sel.ID, func(*models.Selection) error { return nil }, func(sel *models.Selection) {
		sel.ApplyLocked(len(s.households), 12, s.now)
		sel.Status = status
		sel.ScoringRule = ref
	})
	s.Require().NoError(err)
	return sel
}

func (s *ScoringSuite) scores(selectionID id.SelectionID) map[id.HouseholdID]*float64 {
	rows, err := s.store.Memberships(s.ctx, selectionID, models.ListCandidate)
	s.Require().NoError(err)
	out := make(map[id.HouseholdID]*float64, len(rows))
	for _, row := range rows {
		out[row.HouseholdID] = row.VulnerabilityScore
	}
	return out
}

func (s *ScoringSuite) expectedScores() map[id.HouseholdID]*float64 {
	out := make(map[id.HouseholdID]*float64, len(s.households))
	for _, h := range s.households {
		v := float64(h.Size) * 1.5
		out[h.ID] = &v
	}
	return out
}

func (s *ScoringSuite) status(selectionID id.SelectionID) *models.Selection {
	sel, err := s.store.FindByID(s.ctx, selectionID)
	s.Require().NoError(err)
	return sel
}

func (s *ScoringSuite) lastAction(selectionID id.SelectionID) string {
	events, err := s.auditStore.ListBySelection(s.ctx, selectionID)
	s.Require().NoError(err)
	s.Require().NotEmpty(events)
	return events[len(events)-1].Action
}

func bySize(_ context.Context, in scoring.Context) (scoring.Result, error) {
	return scoring.Result{Value: float64(in.Household.Size) * 1.5}, nil
}

func (s *ScoringSuite) TestRegistry() {
	s.Run("registers and resolves rule versions", func() {
		s.Require().NoError(s.rules.Register(s.ref, scoring.RuleFunc(bySize)))
		s.True(s.rules.Has(s.ref))
		s.False(s.rules.Has(models.ScoringRuleRef{ID: s.ref.ID, Version: 2}))

		rule, err := s.rules.Resolve(s.ref)
		s.Require().NoError(err)
		res, err := rule.Execute(s.ctx, scoring.Context{Household: s.households[0]})
		s.Require().NoError(err)
		s.Equal(3.0, res.Value)
	})

	s.Run("rejects duplicates and incomplete references", func() {
		err := s.rules.Register(s.ref, scoring.RuleFunc(bySize))
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		err = s.rules.Register(models.ScoringRuleRef{ID: s.ref.ID}, scoring.RuleFunc(bySize))
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("reports unknown versions as not configured", func() {
		_, err := s.rules.Resolve(models.ScoringRuleRef{ID: id.ScoringRuleID(uuid.New()), Version: 1})
		s.True(dErrors.HasCode(err, dErrors.CodeScoringNotConfigured))
	})
}

func (s *ScoringSuite) TestApplyScoring() {
	s.Require().NoError(s.rules.Register(s.ref, scoring.RuleFunc(bySize)))
	svc := s.newService(s.rules)

	s.Run("fails fast without a scoring rule", func() {
		for _, status := range []models.Status{models.StatusScoringWait, models.StatusLocked} {
			sel := s.awaiting(nil, status)

			_, err := svc.ApplyScoring(s.ctx, sel.ID)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeScoringNotConfigured))
			s.True(dErrors.Permanent(err))
			stored := s.status(sel.ID)
			s.Equal(models.StatusScoringError, stored.Status, "from %s", status)
			s.Require().NotNil(stored.ScoringAppliedAt)
			s.Equal(s.now, *stored.ScoringAppliedAt)
			s.Equal(string(audit.EventScoringFailed), s.lastAction(sel.ID))
		}
	})

	s.Run("a missing rule does not touch an approved selection", func() {
		sel := s.awaiting(nil, models.StatusApproved)

		_, err := svc.ApplyScoring(s.ctx, sel.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeScoringNotConfigured))
		s.Equal(models.StatusApproved, s.status(sel.ID).Status)
	})

	s.Run("rejects a selection that is not waiting for scoring", func() {
		sel := s.awaiting(&s.ref, models.StatusApproved)

		_, err := svc.ApplyScoring(s.ctx, sel.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
		s.Equal(models.StatusApproved, s.status(sel.ID).Status)
	})

	s.Run("scores every candidate and completes", func() {
		sel := s.awaiting(&s.ref, models.StatusScoringWait)

		scored, err := svc.ApplyScoring(s.ctx, sel.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusScoringCompleted, scored.Status)
		s.Require().NotNil(scored.ScoringAppliedAt)
		s.True(s.now.Equal(*scored.ScoringAppliedAt))
		s.Equal(s.expectedScores(), s.scores(sel.ID))
		s.Equal(string(audit.EventScoringCompleted), s.lastAction(sel.ID))
	})

	s.Run("runs as a background job", func() {
		sel := s.awaiting(&s.ref, models.StatusScoringWait)
		runner := jobs.NewRunner(jobs.NewMemoryQueue(1), jobs.WithRetryPolicy(jobs.RetryPolicy{MaxAttempts: 1}))
		svc.Register(runner)

		s.Require().NoError(runner.Process(s.ctx, jobs.NewJob(jobs.KindApplyScoring, sel.ID, s.now)))
		s.Equal(models.StatusScoringCompleted, s.status(sel.ID).Status)
	})
}

// flakyRule fails the first call for one household.
type flakyRule struct {
	mu     sync.Mutex
	target id.HouseholdID
	failed bool
}

func (f *flakyRule) Execute(ctx context.Context, in scoring.Context) (scoring.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.Household.ID == f.target && !f.failed {
		f.failed = true
		return scoring.Result{}, errors.New("rule engine crashed")
	}
	return bySize(ctx, in)
}

func (s *ScoringSuite) TestRetryAfterFailure() {
	s.Run("records the error and converges on retry", func() {
		s.Require().NoError(s.rules.Register(s.ref, &flakyRule{target: s.households[1].ID}))
		svc := s.newService(s.rules, scoring.WithConcurrency(1))
		sel := s.awaiting(&s.ref, models.StatusScoringWait)

		_, err := svc.ApplyScoring(s.ctx, sel.ID)
		s.Require().Error(err)
		s.False(dErrors.Permanent(err))

		failed := s.status(sel.ID)
		s.Equal(models.StatusScoringError, failed.Status)
		s.Require().NotNil(failed.ScoringAppliedAt)
		for _, score := range s.scores(sel.ID) {
			s.Nil(score, "a failed run must not write partial scores")
		}
		s.Equal(string(audit.EventScoringFailed), s.lastAction(sel.ID))

		later := s.now.Add(time.Minute)
		scored, err := svc.ApplyScoring(requestcontext.WithTime(s.ctx, later), sel.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusScoringCompleted, scored.Status)
		s.True(later.Equal(*scored.ScoringAppliedAt))
		s.Equal(s.expectedScores(), s.scores(sel.ID))
	})

	s.Run("is retried by the job runner", func() {
		ref := models.ScoringRuleRef{ID: id.ScoringRuleID(uuid.New()), Version: 3}
		s.Require().NoError(s.rules.Register(ref, &flakyRule{target: s.households[0].ID}))
		svc := s.newService(s.rules, scoring.WithConcurrency(1))
		sel := s.awaiting(&ref, models.StatusScoringWait)

		runner := jobs.NewRunner(jobs.NewMemoryQueue(1), jobs.WithRetryPolicy(jobs.RetryPolicy{MaxAttempts: 2}))
		svc.Register(runner)
		s.Require().NoError(runner.Process(s.ctx, jobs.NewJob(jobs.KindApplyScoring, sel.ID, s.now)))

		s.Equal(models.StatusScoringCompleted, s.status(sel.ID).Status)
		s.Equal(s.expectedScores(), s.scores(sel.ID))
	})
}

func (s *ScoringSuite) TestExhaustedRetries() {
	s.Require().NoError(s.rules.Register(s.ref, scoring.RuleFunc(bySize)))

	s.Run("a scoring lock that never frees ends in STEFICON_ERROR", func() {
		sel := s.awaiting(&s.ref, models.StatusScoringWait)
		locker := lock.NewMemoryLocker(lock.Options{AcquireTimeout: 10 * time.Millisecond, TTL: time.Minute, PollInterval: time.Millisecond})
		_, err := locker.Acquire(s.ctx, lock.Key(scoring.Operation, sel.ID))
		s.Require().NoError(err)

		svc := scoring.New(s.store, s.rules, s.registry, locker,
			scoring.WithLogger(logger.Discard()),
			scoring.WithAuditPublisher(publisher.NewPublisher(s.auditStore)),
		)
		runner := jobs.NewRunner(jobs.NewMemoryQueue(1),
			jobs.WithLogger(logger.Discard()),
			jobs.WithRetryPolicy(jobs.RetryPolicy{MaxAttempts: 2}),
		)
		svc.Register(runner)

		err = runner.Process(s.ctx, jobs.NewJob(jobs.KindApplyScoring, sel.ID, s.now))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeTransient))

		stored := s.status(sel.ID)
		s.Equal(models.StatusScoringError, stored.Status)
		s.Require().NotNil(stored.ScoringAppliedAt)
		s.Equal(string(audit.EventScoringFailed), s.lastAction(sel.ID))
	})
}

func (s *ScoringSuite) TestRuleFailures() {
	s.Run("opens the breaker after repeated failures", func() {
		ctrl := gomock.NewController(s.T())
		rule := mocks.NewMockRule(ctrl)
		rule.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(scoring.Result{}, errors.New("engine unavailable")).Times(1)

		var opened []models.ScoringRuleRef
		rules := scoring.NewRegistry(
			scoring.WithBreakerOptions(circuit.WithFailureThreshold(1), circuit.WithCooldown(time.Hour)),
			scoring.WithBreakerListener(func(ref models.ScoringRuleRef, state circuit.State) {
				if state == circuit.StateOpen {
					opened = append(opened, ref)
				}
			}),
		)
		s.Require().NoError(rules.Register(s.ref, rule))
		svc := s.newService(rules, scoring.WithConcurrency(1))
		sel := s.awaiting(&s.ref, models.StatusScoringWait)

		_, err := svc.ApplyScoring(s.ctx, sel.ID)
		s.Require().Error(err)
		s.Equal([]models.ScoringRuleRef{s.ref}, opened)

		_, err = svc.ApplyScoring(s.ctx, sel.ID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeTransient))
		s.Contains(err.Error(), "circuit open")
		s.Equal(models.StatusScoringError, s.status(sel.ID).Status)
	})

	s.Run("times out a slow rule", func() {
		ctrl := gomock.NewController(s.T())
		rule := mocks.NewMockRule(ctrl)
		rule.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ scoring.Context) (scoring.Result, error) {
			<-ctx.Done()
			return scoring.Result{}, ctx.Err()
		}).MinTimes(1)

		rules := scoring.NewRegistry()
		s.Require().NoError(rules.Register(s.ref, rule))
		svc := s.newService(rules, scoring.WithConcurrency(1), scoring.WithRuleTimeout(10*time.Millisecond))
		sel := s.awaiting(&s.ref, models.StatusScoringWait)

		_, err := svc.ApplyScoring(s.ctx, sel.ID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeTransient))
		s.Contains(err.Error(), "timed out")
		s.Equal(models.StatusScoringError, s.status(sel.ID).Status)
	})
}
