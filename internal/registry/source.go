// Package registry reads households and individuals for targeting. The
// registry itself is owned elsewhere; the engine only queries it.
package registry

import (
	"context"

	"targeting/internal/catalog"
	"targeting/internal/criteria"
	"targeting/internal/registry/models"
	id "targeting/pkg/domain"
)

// Source is a read-only view of the registry.
type Source interface {
	// Query returns the program's non-withdrawn households matching p, with
	// their individuals, ordered by household id.
	Query(ctx context.Context, program catalog.Program, p *criteria.Predicate) ([]models.Household, error)
	// Get returns the households with the given ids, with their individuals,
	// ordered by household id. Unknown ids are skipped.
	Get(ctx context.Context, ids []id.HouseholdID) ([]models.Household, error)
}
