//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"targeting/internal/criteria"
	"targeting/internal/platform/postgres"
	"targeting/internal/selection/models"
	"targeting/internal/selection/store"
	id "targeting/pkg/domain"
	"targeting/pkg/platform/sentinel"
	"targeting/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
	ctx      context.Context
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, postgres.Tables()...))
}

func (s *PostgresStoreSuite) create(name string, program id.ProgramID) *models.Selection {
	c := criteria.Criteria{Rules: []criteria.Rule{{Filters: []criteria.FieldFilter{{
		FieldName: "size", ComparisonMethod: criteria.MethodGreaterThan, Arguments: []any{float64(3)},
	}}}}}
	sel, err := models.NewSelection(name, program, "afghanistan", c, "tester", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, sel))
	return sel
}

func member(size int) models.Membership {
	return models.Membership{HouseholdID: id.HouseholdID(uuid.New()), HouseholdSize: size}
}

func (s *PostgresStoreSuite) TestCreateAndFind() {
	program := id.ProgramID(uuid.New())
	sel := s.create("Round 1", program)

	found, err := s.store.FindByID(s.ctx, sel.ID)
	s.Require().NoError(err)
	s.Equal("Round 1", found.Name)
	s.Equal(models.StatusOpen, found.Status)
	s.Equal(sel.CandidateCriteria, found.CandidateCriteria)
	s.Equal(int64(1), found.Version)

	_, err = s.store.FindByID(s.ctx, id.SelectionID(uuid.New()))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

// TestConcurrentUniqueName verifies that concurrent creation of the same name
// within a program results in exactly one success.
func (s *PostgresStoreSuite) TestConcurrentUniqueName() {
	program := id.ProgramID(uuid.New())
	const goroutines = 20

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := models.NewSelection("Cycle A", program, "afghanistan", criteria.Criteria{}, "tester", s.now)
			if err != nil {
				return
			}
			err = s.store.Create(s.ctx, sel)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one create should succeed")
	s.Equal(int32(goroutines-1), conflictCount.Load())
}

func (s *PostgresStoreSuite) TestExecute() {
	sel := s.create("Exec", id.ProgramID(uuid.New()))

	s.Run("mutates and bumps version", func() {
		updated, err := s.store.Execute(s.ctx, sel.ID, (*models.Selection).CanLock, func(sel *models.Selection) {
			sel.ApplyProcessing(s.now)
		})
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, updated.Status)
		s.Equal(int64(2), updated.Version)

		found, err := s.store.FindByID(s.ctx, sel.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, found.Status)
	})

	s.Run("validation failure leaves the row untouched", func() {
		_, err := s.store.Execute(s.ctx, sel.ID, (*models.Selection).CanLock, func(sel *models.Selection) {
			sel.ApplyProcessing(s.now)
		})
		s.Require().Error(err)

		found, err := s.store.FindByID(s.ctx, sel.ID)
		s.Require().NoError(err)
		s.Equal(int64(2), found.Version)
	})
}

// TestConcurrentExecute verifies row locking: concurrent transitions from OPEN
// to PROCESSING admit exactly one winner.
func (s *PostgresStoreSuite) TestConcurrentExecute() {
	sel := s.create("Race", id.ProgramID(uuid.New()))
	const goroutines = 10

	var wg sync.WaitGroup
	var wins atomic.Int32
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Execute(s.ctx, sel.ID, (*models.Selection).CanLock, func(sel *models.Selection) {
				sel.ApplyProcessing(s.now)
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	found, err := s.store.FindByID(s.ctx, sel.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), found.Version)
}

func (s *PostgresStoreSuite) TestSyncMemberships() {
	sel := s.create("Sync", id.ProgramID(uuid.New()))
	a, b, c := member(2), member(3), member(4)

	added, removed, err := s.store.SyncMemberships(s.ctx, sel.ID, models.ListCandidate, []models.Membership{a, b})
	s.Require().NoError(err)
	s.Equal(2, added)
	s.Equal(0, removed)
	s.Require().NoError(s.store.SetScores(s.ctx, sel.ID, map[id.HouseholdID]float64{b.HouseholdID: 7.5}))

	added, removed, err = s.store.SyncMemberships(s.ctx, sel.ID, models.ListCandidate, []models.Membership{b, c})
	s.Require().NoError(err)
	s.Equal(1, added)
	s.Equal(1, removed)

	rows, err := s.store.Memberships(s.ctx, sel.ID, models.ListCandidate)
	s.Require().NoError(err)
	households, individuals := models.StatsFor(rows)
	s.Equal(2, households)
	s.Equal(7, individuals)
	for _, m := range rows {
		if m.HouseholdID == b.HouseholdID {
			s.Require().NotNil(m.VulnerabilityScore)
			s.InDelta(7.5, *m.VulnerabilityScore, 1e-9)
		}
	}

	final, err := s.store.Memberships(s.ctx, sel.ID, models.ListFinal)
	s.Require().NoError(err)
	s.Empty(final)
}

func (s *PostgresStoreSuite) TestRunInTx() {
	sel := s.create("Tx", id.ProgramID(uuid.New()))
	boom := errors.New("boom")

	err := s.store.RunInTx(s.ctx, func(txCtx context.Context) error {
		if _, _, err := s.store.SyncMemberships(txCtx, sel.ID, models.ListCandidate, []models.Membership{member(1)}); err != nil {
			return err
		}
		if err := s.store.ForceStatus(txCtx, sel.ID, models.StatusLocked, nil, s.now); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	found, err := s.store.FindByID(s.ctx, sel.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusOpen, found.Status)
	rows, err := s.store.Memberships(s.ctx, sel.ID, models.ListCandidate)
	s.Require().NoError(err)
	s.Empty(rows)
}

func (s *PostgresStoreSuite) TestForceStatus() {
	sel := s.create("Force", id.ProgramID(uuid.New()))
	applied := s.now.Add(time.Minute)

	s.Require().NoError(s.store.ForceStatus(s.ctx, sel.ID, models.StatusScoringRun, &applied, s.now))
	s.Require().NoError(s.store.ForceBuildStatus(s.ctx, sel.ID, models.BuildFailed, s.now))

	found, err := s.store.FindByID(s.ctx, sel.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusScoringRun, found.Status)
	s.Equal(models.BuildFailed, found.BuildStatus)
	s.Require().NotNil(found.ScoringAppliedAt)
	s.True(applied.Equal(*found.ScoringAppliedAt))
	s.Equal(sel.Version, found.Version)

	s.ErrorIs(s.store.ForceBuildStatus(s.ctx, id.SelectionID(uuid.New()), models.BuildFailed, s.now), sentinel.ErrNotFound)
}
