package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"targeting/internal/criteria"
	"targeting/internal/selection/models"
	id "targeting/pkg/domain"
	"targeting/pkg/platform/sentinel"
	"targeting/pkg/platform/tx"
)

const uniqueViolation = "23505"

const selectionColumns = `id, name, program_id, business_area, status, build_status,
	candidate_criteria, final_criteria, scoring_rule_id, scoring_rule_version, scoring_applied_at,
	score_min, score_max, candidate_count, candidate_individuals_count, final_count,
	final_individuals_count, stats_updated_at, version, created_by, created_at, updated_at,
	finalized_at, deleted_at`

// Postgres persists selections and memberships in PostgreSQL. Calls made
// with a context returned by RunInTx share its transaction.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed selection store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return tx.Run(ctx, s.db, fn)
}

func (s *Postgres) Create(ctx context.Context, sel *models.Selection) error {
	row, err := toRow(sel)
	if err != nil {
		return err
	}
	_, err = tx.QuerierFrom(ctx, s.db).ExecContext(ctx, `
		INSERT INTO selections (`+selectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		row.args()...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert selection: %w", err)
	}
	return nil
}

func (s *Postgres) FindByID(ctx context.Context, selectionID id.SelectionID) (*models.Selection, error) {
	return s.find(ctx, tx.QuerierFrom(ctx, s.db), selectionID, false)
}

func (s *Postgres) find(ctx context.Context, q tx.Querier, selectionID id.SelectionID, forUpdate bool) (*models.Selection, error) {
	query := `SELECT ` + selectionColumns + ` FROM selections WHERE id = $1 AND deleted_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sel, err := scanSelection(q.QueryRowContext(ctx, query, selectionID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, err
	}
	return sel, nil
}

// Execute locks the row, validates and mutates it, then writes it back with
// a version check.
func (s *Postgres) Execute(ctx context.Context, selectionID id.SelectionID, validate func(*models.Selection) error, mutate func(*models.Selection)) (*models.Selection, error) {
	var result *models.Selection
	err := tx.Run(ctx, s.db, func(txCtx context.Context) error {
		q := tx.QuerierFrom(txCtx, s.db)
		sel, err := s.find(txCtx, q, selectionID, true)
		if err != nil {
			return err
		}
		if err := validate(sel); err != nil {
			return err
		}
		expected := sel.Version
		mutate(sel)
		sel.Version = expected + 1
		row, err := toRow(sel)
		if err != nil {
			return err
		}
		a := row.args()
		res, err := q.ExecContext(txCtx, `
			UPDATE selections SET
				name = $2, status = $3, build_status = $4, candidate_criteria = $5, final_criteria = $6,
				scoring_rule_id = $7, scoring_rule_version = $8, scoring_applied_at = $9,
				score_min = $10, score_max = $11, candidate_count = $12, candidate_individuals_count = $13,
				final_count = $14, final_individuals_count = $15, stats_updated_at = $16, version = $17,
				updated_at = $18, finalized_at = $19, deleted_at = $20
			WHERE id = $1 AND version = $21`,
			a[0], a[1], a[4], a[5], a[6], a[7], a[8], a[9], a[10], a[11], a[12], a[13], a[14],
			a[15], a[16], a[17], a[18], a[21], a[22], a[23], expected)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("update selection: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sentinel.ErrStaleVersion
		}
		result = sel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Postgres) ForceStatus(ctx context.Context, selectionID id.SelectionID, status models.Status, scoringAppliedAt *time.Time, now time.Time) error {
	res, err := tx.QuerierFrom(ctx, s.db).ExecContext(ctx, `
		UPDATE selections SET
			status = $2,
			scoring_applied_at = COALESCE($3, scoring_applied_at),
			updated_at = $4
		WHERE id = $1`,
		selectionID.String(), string(status), nullTime(scoringAppliedAt), now)
	if err != nil {
		return fmt.Errorf("force selection status: %w", err)
	}
	return requireAffected(res)
}

func (s *Postgres) ForceBuildStatus(ctx context.Context, selectionID id.SelectionID, status models.BuildStatus, now time.Time) error {
	res, err := tx.QuerierFrom(ctx, s.db).ExecContext(ctx, `
		UPDATE selections SET build_status = $2, updated_at = $3 WHERE id = $1`,
		selectionID.String(), string(status), now)
	if err != nil {
		return fmt.Errorf("force build status: %w", err)
	}
	return requireAffected(res)
}

// SyncMemberships makes the list equal to rows: missing households are
// inserted, stale ones deleted and sizes of kept ones refreshed. Existing
// scores survive.
func (s *Postgres) SyncMemberships(ctx context.Context, selectionID id.SelectionID, list models.List, rows []models.Membership) (added, removed int, err error) {
	err = tx.Run(ctx, s.db, func(txCtx context.Context) error {
		q := tx.QuerierFrom(txCtx, s.db)
		existing, err := s.memberships(txCtx, q, selectionID, list)
		if err != nil {
			return err
		}
		wanted := make(map[id.HouseholdID]struct{}, len(rows))
		households := make([]string, 0, len(rows))
		sizes := make([]int64, 0, len(rows))
		for _, m := range rows {
			wanted[m.HouseholdID] = struct{}{}
			households = append(households, m.HouseholdID.String())
			sizes = append(sizes, int64(m.HouseholdSize))
		}
		present := make(map[id.HouseholdID]struct{}, len(existing))
		var stale []string
		for _, m := range existing {
			present[m.HouseholdID] = struct{}{}
			if _, ok := wanted[m.HouseholdID]; !ok {
				stale = append(stale, m.HouseholdID.String())
			}
		}
		for hh := range wanted {
			if _, ok := present[hh]; !ok {
				added++
			}
		}
		removed = len(stale)

		if len(stale) > 0 {
			if _, err := q.ExecContext(txCtx, `
				DELETE FROM selection_memberships
				WHERE selection_id = $1 AND list = $2 AND household_id = ANY($3::uuid[])`,
				selectionID.String(), string(list), pq.Array(stale)); err != nil {
				return fmt.Errorf("delete stale memberships: %w", err)
			}
		}
		if len(households) > 0 {
			if _, err := q.ExecContext(txCtx, `
				INSERT INTO selection_memberships (selection_id, list, household_id, household_size)
				SELECT $1::uuid, $2::text, u.household_id, u.household_size
				FROM unnest($3::uuid[], $4::int[]) AS u(household_id, household_size)
				ON CONFLICT (selection_id, list, household_id)
				DO UPDATE SET household_size = EXCLUDED.household_size`,
				selectionID.String(), string(list), pq.Array(households), pq.Array(sizes)); err != nil {
				return fmt.Errorf("upsert memberships: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return added, removed, nil
}

func (s *Postgres) DeleteMemberships(ctx context.Context, selectionID id.SelectionID) error {
	_, err := tx.QuerierFrom(ctx, s.db).ExecContext(ctx,
		`DELETE FROM selection_memberships WHERE selection_id = $1`, selectionID.String())
	if err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	return nil
}

func (s *Postgres) Memberships(ctx context.Context, selectionID id.SelectionID, list models.List) ([]models.Membership, error) {
	return s.memberships(ctx, tx.QuerierFrom(ctx, s.db), selectionID, list)
}

func (s *Postgres) memberships(ctx context.Context, q tx.Querier, selectionID id.SelectionID, list models.List) ([]models.Membership, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT household_id, household_size, vulnerability_score
		FROM selection_memberships
		WHERE selection_id = $1 AND list = $2
		ORDER BY household_id::text`, selectionID.String(), string(list))
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []models.Membership{}
	for rows.Next() {
		var (
			rawHousehold string
			score        sql.NullFloat64
			m            = models.Membership{SelectionID: selectionID, List: list}
		)
		if err := rows.Scan(&rawHousehold, &m.HouseholdSize, &score); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		u, err := uuid.Parse(rawHousehold)
		if err != nil {
			return nil, fmt.Errorf("parse household id: %w", err)
		}
		m.HouseholdID = id.HouseholdID(u)
		if score.Valid {
			v := score.Float64
			m.VulnerabilityScore = &v
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return out, nil
}

// SetScores writes every score in one statement.
func (s *Postgres) SetScores(ctx context.Context, selectionID id.SelectionID, scores map[id.HouseholdID]float64) error {
	if len(scores) == 0 {
		return nil
	}
	households := make([]string, 0, len(scores))
	values := make([]float64, 0, len(scores))
	for hh, v := range scores {
		households = append(households, hh.String())
		values = append(values, v)
	}
	_, err := tx.QuerierFrom(ctx, s.db).ExecContext(ctx, `
		UPDATE selection_memberships m
		SET vulnerability_score = u.score
		FROM unnest($3::uuid[], $4::double precision[]) AS u(household_id, score)
		WHERE m.selection_id = $1 AND m.list = $2 AND m.household_id = u.household_id`,
		selectionID.String(), string(models.ListCandidate), pq.Array(households), pq.Array(values))
	if err != nil {
		return fmt.Errorf("write scores: %w", err)
	}
	return nil
}

// selectionRow is the column-ordered form of a Selection.
type selectionRow struct {
	sel               *models.Selection
	candidateCriteria []byte
	finalCriteria     []byte
}

func toRow(sel *models.Selection) (selectionRow, error) {
	row := selectionRow{sel: sel}
	var err error
	if row.candidateCriteria, err = json.Marshal(sel.CandidateCriteria); err != nil {
		return row, fmt.Errorf("encode candidate criteria: %w", err)
	}
	if sel.FinalCriteria != nil {
		if row.finalCriteria, err = json.Marshal(sel.FinalCriteria); err != nil {
			return row, fmt.Errorf("encode final criteria: %w", err)
		}
	}
	return row, nil
}

func (r selectionRow) args() []any {
	sel := r.sel
	var (
		ruleID      sql.NullString
		ruleVersion sql.NullInt64
		final       any
	)
	if sel.ScoringRule != nil {
		ruleID = sql.NullString{String: sel.ScoringRule.ID.String(), Valid: true}
		ruleVersion = sql.NullInt64{Int64: int64(sel.ScoringRule.Version), Valid: true}
	}
	if r.finalCriteria != nil {
		final = r.finalCriteria
	}
	return []any{
		sel.ID.String(), sel.Name, sel.ProgramID.String(), string(sel.BusinessArea),
		string(sel.Status), string(sel.BuildStatus), r.candidateCriteria, final,
		ruleID, ruleVersion, nullTime(sel.ScoringAppliedAt),
		nullFloat(sel.ScoreBounds.Min), nullFloat(sel.ScoreBounds.Max),
		sel.Stats.CandidateCount, sel.Stats.CandidateIndividualsCount,
		sel.Stats.FinalCount, sel.Stats.FinalIndividualsCount, nullTime(sel.Stats.UpdatedAt),
		sel.Version, sel.CreatedBy, sel.CreatedAt, sel.UpdatedAt,
		nullTime(sel.FinalizedAt), nullTime(sel.DeletedAt),
	}
}

func scanSelection(row *sql.Row) (*models.Selection, error) {
	var (
		sel                         models.Selection
		rawID, rawProgram           string
		businessArea                string
		status, buildStatus         string
		candidate, final            []byte
		ruleID                      sql.NullString
		ruleVersion                 sql.NullInt64
		scoringAppliedAt            sql.NullTime
		scoreMin, scoreMax          sql.NullFloat64
		statsUpdatedAt, finalizedAt sql.NullTime
		deletedAt                   sql.NullTime
	)
	err := row.Scan(&rawID, &sel.Name, &rawProgram, &businessArea, &status, &buildStatus,
		&candidate, &final, &ruleID, &ruleVersion, &scoringAppliedAt,
		&scoreMin, &scoreMax, &sel.Stats.CandidateCount, &sel.Stats.CandidateIndividualsCount,
		&sel.Stats.FinalCount, &sel.Stats.FinalIndividualsCount, &statsUpdatedAt, &sel.Version,
		&sel.CreatedBy, &sel.CreatedAt, &sel.UpdatedAt, &finalizedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan selection: %w", err)
	}
	selectionID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse selection id: %w", err)
	}
	programID, err := uuid.Parse(rawProgram)
	if err != nil {
		return nil, fmt.Errorf("parse program id: %w", err)
	}
	sel.ID = id.SelectionID(selectionID)
	sel.ProgramID = id.ProgramID(programID)
	sel.BusinessArea = id.BusinessArea(businessArea)
	sel.Status = models.Status(status)
	sel.BuildStatus = models.BuildStatus(buildStatus)
	if err := json.Unmarshal(candidate, &sel.CandidateCriteria); err != nil {
		return nil, fmt.Errorf("decode candidate criteria: %w", err)
	}
	if len(final) > 0 {
		var fc criteria.Criteria
		if err := json.Unmarshal(final, &fc); err != nil {
			return nil, fmt.Errorf("decode final criteria: %w", err)
		}
		sel.FinalCriteria = &fc
	}
	if ruleID.Valid {
		u, err := uuid.Parse(ruleID.String)
		if err != nil {
			return nil, fmt.Errorf("parse scoring rule id: %w", err)
		}
		sel.ScoringRule = &models.ScoringRuleRef{ID: id.ScoringRuleID(u), Version: int(ruleVersion.Int64)}
	}
	sel.ScoringAppliedAt = timePtr(scoringAppliedAt)
	sel.ScoreBounds = models.ScoreBounds{Min: floatPtr(scoreMin), Max: floatPtr(scoreMax)}
	sel.Stats.UpdatedAt = timePtr(statsUpdatedAt)
	sel.FinalizedAt = timePtr(finalizedAt)
	sel.DeletedAt = timePtr(deletedAt)
	return &sel, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
