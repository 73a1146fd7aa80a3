package catalog

import (
	"slices"

	id "targeting/pkg/domain"
)

// FieldType is the declared type of an addressable attribute. It decides which
// comparison methods apply and how filter arguments are parsed.
type FieldType string

const (
	TypeString     FieldType = "STRING"
	TypeInteger    FieldType = "INTEGER"
	TypeDecimal    FieldType = "DECIMAL"
	TypeDate       FieldType = "DATE"
	TypeBool       FieldType = "BOOL"
	TypeSelectOne  FieldType = "SELECT_ONE"
	TypeSelectMany FieldType = "SELECT_MANY"
)

func (t FieldType) IsValid() bool {
	switch t {
	case TypeString, TypeInteger, TypeDecimal, TypeDate, TypeBool, TypeSelectOne, TypeSelectMany:
		return true
	}
	return false
}

// IsChoice reports whether values must come from a choice list.
func (t FieldType) IsChoice() bool {
	return t == TypeSelectOne || t == TypeSelectMany
}

// Scope says which record level carries the attribute.
type Scope string

const (
	ScopeHousehold  Scope = "HOUSEHOLD"
	ScopeIndividual Scope = "INDIVIDUAL"
)

func (s Scope) IsValid() bool {
	return s == ScopeHousehold || s == ScopeIndividual
}

// Source says where on a record the value is stored.
type Source string

const (
	// SourceColumn is a first-class record column (size, sex, birth_date).
	SourceColumn Source = "column"
	// SourceAttribute is a core attribute stored in the record's attribute map.
	SourceAttribute Source = "attribute"
	// SourceFlex is a program-declared custom field.
	SourceFlex Source = "flex"
	// SourceComputed is derived at evaluation time (age from birth_date).
	SourceComputed Source = "computed"
)

// Choice is one allowed value of a SELECT_ONE/SELECT_MANY field.
type Choice struct {
	Value string `yaml:"value" json:"value"`
	Label string `yaml:"label" json:"label"`
}

// Descriptor describes one addressable attribute.
type Descriptor struct {
	Name     string
	Label    string
	Type     FieldType
	Scope    Scope
	IsCustom bool
	Source   Source
	// Key is the column name (SourceColumn), the attribute/flex key, or the
	// computed field name.
	Key string
	// Choices is the static choice list. Fields with BusinessAreaChoices
	// resolve their list per business area instead.
	Choices             []Choice
	BusinessAreaChoices bool
}

// HasChoice reports whether v is an allowed value.
func (d Descriptor) HasChoice(v string) bool {
	return slices.ContainsFunc(d.Choices, func(c Choice) bool { return c.Value == v })
}

// Program is the scope a field is resolved in: custom fields per program,
// choice lists per business area.
type Program struct {
	ID           id.ProgramID
	BusinessArea id.BusinessArea
}
