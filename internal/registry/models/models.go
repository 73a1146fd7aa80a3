// Package models holds the registry records the engine reads: households and
// their individuals, with core columns plus open attribute maps for core
// attributes and program-declared custom (flex) fields.
package models

import (
	"time"

	id "targeting/pkg/domain"
)

// Household is one registered household.
type Household struct {
	ID           id.HouseholdID
	ProgramID    id.ProgramID
	BusinessArea id.BusinessArea
	AdminAreaID  id.AdminAreaID
	HeadID       id.IndividualID
	Size         int
	Attributes   map[string]any
	FlexFields   map[string]any
	Withdrawn    bool
	Individuals  []Individual
}

// Individual is one registered member of a household.
type Individual struct {
	ID          id.IndividualID
	HouseholdID id.HouseholdID
	Sex         id.Sex
	BirthDate   time.Time
	Attributes  map[string]any
	FlexFields  map[string]any
	Withdrawn   bool
}

// Column returns the value of a first-class household column by name.
func (h Household) Column(name string) (any, bool) {
	switch name {
	case "id":
		return h.ID.String(), true
	case "size":
		return h.Size, true
	case "admin_area_id":
		if h.AdminAreaID.IsNil() {
			return nil, false
		}
		return h.AdminAreaID.String(), true
	case "business_area":
		return string(h.BusinessArea), h.BusinessArea != ""
	case "withdrawn":
		return h.Withdrawn, true
	}
	return nil, false
}

// Column returns the value of a first-class individual column by name.
func (i Individual) Column(name string) (any, bool) {
	switch name {
	case "id":
		return i.ID.String(), true
	case "sex":
		return string(i.Sex), i.Sex != ""
	case "birth_date":
		if i.BirthDate.IsZero() {
			return nil, false
		}
		return i.BirthDate, true
	case "withdrawn":
		return i.Withdrawn, true
	}
	return nil, false
}

// ActiveIndividuals returns the members that have not been withdrawn.
func (h Household) ActiveIndividuals() []Individual {
	out := make([]Individual, 0, len(h.Individuals))
	for _, ind := range h.Individuals {
		if !ind.Withdrawn {
			out = append(out, ind)
		}
	}
	return out
}

// Head returns the head of household, if recorded.
func (h Household) Head() (Individual, bool) {
	for _, ind := range h.Individuals {
		if ind.ID == h.HeadID {
			return ind, true
		}
	}
	return Individual{}, false
}

// AgeAt returns whole years between birth and at, or false when the birth
// date is unknown.
func (i Individual) AgeAt(at time.Time) (int, bool) {
	if i.BirthDate.IsZero() {
		return 0, false
	}
	return YearsBetween(i.BirthDate, at), true
}

// YearsBetween counts completed years from birth to at.
func YearsBetween(birth, at time.Time) int {
	by, bm, bd := birth.Date()
	ay, am, ad := at.Date()
	years := ay - by
	if am < bm || (am == bm && ad < bd) {
		years--
	}
	return max(years, 0)
}
