package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"targeting/internal/catalog"
	"targeting/internal/criteria"
	"targeting/internal/registry/models"
	id "targeting/pkg/domain"
	"targeting/pkg/platform/tx"
)

const householdColumns = `h.id, h.program_id, h.business_area, h.admin_area_id, h.head_id, h.size,
	h.attributes, h.flex_fields, h.withdrawn`

// Postgres is a registry Source over the households and individuals tables.
// Criteria are pushed down as a WHERE clause rendered from the predicate.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed registry source.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (r *Postgres) Query(ctx context.Context, program catalog.Program, p *criteria.Predicate) ([]models.Household, error) {
	args := &criteria.Args{}
	query := `SELECT ` + householdColumns + `
		FROM households h
		WHERE h.program_id = ` + args.Add(program.ID.String()) + `::uuid
			AND NOT h.withdrawn
			AND ` + p.SQL(args) + `
		ORDER BY h.id`
	return r.load(ctx, query, args.Values()...)
}

func (r *Postgres) Get(ctx context.Context, ids []id.HouseholdID) ([]models.Household, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + householdColumns + `
		FROM households h
		WHERE h.id = ANY($1::uuid[])
		ORDER BY h.id`
	return r.load(ctx, query, pq.Array(householdIDStrings(ids)))
}

func (r *Postgres) load(ctx context.Context, query string, args ...any) ([]models.Household, error) {
	q := tx.QuerierFrom(ctx, r.db)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query households: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		households []models.Household
		index      = map[id.HouseholdID]int{}
	)
	for rows.Next() {
		h, err := scanHousehold(rows)
		if err != nil {
			return nil, err
		}
		index[h.ID] = len(households)
		households = append(households, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate households: %w", err)
	}
	if len(households) == 0 {
		return nil, nil
	}
	if err := r.loadIndividuals(ctx, q, households, index); err != nil {
		return nil, err
	}
	return households, nil
}

func (r *Postgres) loadIndividuals(ctx context.Context, q tx.Querier, households []models.Household, index map[id.HouseholdID]int) error {
	ids := make([]string, 0, len(households))
	for _, h := range households {
		ids = append(ids, h.ID.String())
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, household_id, sex, birth_date, attributes, flex_fields, withdrawn
		FROM individuals
		WHERE household_id = ANY($1::uuid[])
		ORDER BY household_id, id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query individuals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			rawID, rawHousehold string
			sex                 sql.NullString
			birth               sql.NullTime
			attrs, flex         []byte
			ind                 models.Individual
		)
		if err := rows.Scan(&rawID, &rawHousehold, &sex, &birth, &attrs, &flex, &ind.Withdrawn); err != nil {
			return fmt.Errorf("scan individual: %w", err)
		}
		indID, err := uuid.Parse(rawID)
		if err != nil {
			return fmt.Errorf("parse individual id: %w", err)
		}
		householdID, err := uuid.Parse(rawHousehold)
		if err != nil {
			return fmt.Errorf("parse household id: %w", err)
		}
		ind.ID = id.IndividualID(indID)
		ind.HouseholdID = id.HouseholdID(householdID)
		ind.Sex = id.Sex(sex.String)
		if birth.Valid {
			ind.BirthDate = birth.Time
		}
		if ind.Attributes, err = decodeMap(attrs); err != nil {
			return err
		}
		if ind.FlexFields, err = decodeMap(flex); err != nil {
			return err
		}
		if i, ok := index[ind.HouseholdID]; ok {
			households[i].Individuals = append(households[i].Individuals, ind)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate individuals: %w", err)
	}
	return nil
}

func scanHousehold(rows *sql.Rows) (models.Household, error) {
	var (
		h                 models.Household
		rawID, rawProgram string
		businessArea      string
		adminArea, head   sql.NullString
		attrs, flex       []byte
	)
	if err := rows.Scan(&rawID, &rawProgram, &businessArea, &adminArea, &head, &h.Size, &attrs, &flex, &h.Withdrawn); err != nil {
		return h, fmt.Errorf("scan household: %w", err)
	}
	householdID, err := uuid.Parse(rawID)
	if err != nil {
		return h, fmt.Errorf("parse household id: %w", err)
	}
	programID, err := uuid.Parse(rawProgram)
	if err != nil {
		return h, fmt.Errorf("parse program id: %w", err)
	}
	h.ID = id.HouseholdID(householdID)
	h.ProgramID = id.ProgramID(programID)
	h.BusinessArea = id.BusinessArea(businessArea)
	if adminArea.Valid {
		u, err := uuid.Parse(adminArea.String)
		if err != nil {
			return h, fmt.Errorf("parse admin area id: %w", err)
		}
		h.AdminAreaID = id.AdminAreaID(u)
	}
	if head.Valid {
		u, err := uuid.Parse(head.String)
		if err != nil {
			return h, fmt.Errorf("parse head id: %w", err)
		}
		h.HeadID = id.IndividualID(u)
	}
	if h.Attributes, err = decodeMap(attrs); err != nil {
		return h, err
	}
	if h.FlexFields, err = decodeMap(flex); err != nil {
		return h, err
	}
	return h, nil
}

// Add upserts households and their individuals. The registry is owned
// elsewhere; this seeds local and test databases.
func (r *Postgres) Add(ctx context.Context, households ...models.Household) error {
	return tx.Run(ctx, r.db, func(txCtx context.Context) error {
		q := tx.QuerierFrom(txCtx, r.db)
		for _, h := range households {
			attrs, flex, err := encodeMaps(h.Attributes, h.FlexFields)
			if err != nil {
				return err
			}
			_, err = q.ExecContext(txCtx, `
				INSERT INTO households (id, program_id, business_area, admin_area_id, head_id, size, attributes, flex_fields, withdrawn)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO UPDATE SET
					program_id = EXCLUDED.program_id,
					business_area = EXCLUDED.business_area,
					admin_area_id = EXCLUDED.admin_area_id,
					head_id = EXCLUDED.head_id,
					size = EXCLUDED.size,
					attributes = EXCLUDED.attributes,
					flex_fields = EXCLUDED.flex_fields,
					withdrawn = EXCLUDED.withdrawn`,
				h.ID.String(), h.ProgramID.String(), string(h.BusinessArea),
				nullableUUID(uuid.UUID(h.AdminAreaID)), nullableUUID(uuid.UUID(h.HeadID)),
				h.Size, attrs, flex, h.Withdrawn)
			if err != nil {
				return fmt.Errorf("upsert household %s: %w", h.ID, err)
			}
			for _, ind := range h.Individuals {
				if err := upsertIndividual(txCtx, q, h.ID, ind); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func upsertIndividual(ctx context.Context, q tx.Querier, householdID id.HouseholdID, ind models.Individual) error {
	attrs, flex, err := encodeMaps(ind.Attributes, ind.FlexFields)
	if err != nil {
		return err
	}
	var birth sql.NullTime
	if !ind.BirthDate.IsZero() {
		birth = sql.NullTime{Time: ind.BirthDate, Valid: true}
	}
	var sex sql.NullString
	if ind.Sex != "" {
		sex = sql.NullString{String: string(ind.Sex), Valid: true}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO individuals (id, household_id, sex, birth_date, attributes, flex_fields, withdrawn)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			household_id = EXCLUDED.household_id,
			sex = EXCLUDED.sex,
			birth_date = EXCLUDED.birth_date,
			attributes = EXCLUDED.attributes,
			flex_fields = EXCLUDED.flex_fields,
			withdrawn = EXCLUDED.withdrawn`,
		ind.ID.String(), householdID.String(), sex, birth, attrs, flex, ind.Withdrawn)
	if err != nil {
		return fmt.Errorf("upsert individual %s: %w", ind.ID, err)
	}
	return nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return m, nil
}

func encodeMaps(attrs, flex map[string]any) ([]byte, []byte, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	if flex == nil {
		flex = map[string]any{}
	}
	a, err := json.Marshal(attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode attributes: %w", err)
	}
	f, err := json.Marshal(flex)
	if err != nil {
		return nil, nil, fmt.Errorf("encode flex fields: %w", err)
	}
	return a, f, nil
}

func nullableUUID(u uuid.UUID) sql.NullString {
	if u == uuid.Nil {
		return sql.NullString{}
	}
	return sql.NullString{String: u.String(), Valid: true}
}

func householdIDStrings(ids []id.HouseholdID) []string {
	out := make([]string, 0, len(ids))
	for _, householdID := range ids {
		out = append(out, householdID.String())
	}
	return out
}
