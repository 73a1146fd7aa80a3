package domain

import (
	"github.com/google/uuid"

	dErrors "targeting/pkg/domain-errors"
)

// Typed identifiers keep selections, households and programs from being
// mixed up at compile time. All are UUID-backed.
type (
	SelectionID    uuid.UUID
	ProgramID      uuid.UUID
	HouseholdID    uuid.UUID
	IndividualID   uuid.UUID
	PaymentID      uuid.UUID
	AdminAreaID    uuid.UUID
	VerificationID uuid.UUID
	MessageID      uuid.UUID
	ScoringRuleID  uuid.UUID
)

// BusinessArea is the slug of the country office owning programs and choice
// lists (e.g. "afghanistan").
type BusinessArea string

func (b BusinessArea) String() string { return string(b) }

func (id SelectionID) String() string { return uuid.UUID(id).String() }
func (id ProgramID) String() string { return uuid.UUID(id).String() }
func (id HouseholdID) String() string { return uuid.UUID(id).String() }
func (id IndividualID) String() string { return uuid.UUID(id).String() }
func (id PaymentID) String() string { return uuid.UUID(id).String() }
func (id AdminAreaID) String() string { return uuid.UUID(id).String() }
func (id VerificationID) String() string { return uuid.UUID(id).String() }
func (id MessageID) String() string { return uuid.UUID(id).String() }
func (id ScoringRuleID) String() string { return uuid.UUID(id).String() }

func (id SelectionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ProgramID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id HouseholdID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id AdminAreaID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ScoringRuleID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// parseUUID enforces the invariant shared by every identifier: non-empty,
// well-formed and not the nil UUID.
func parseUUID(s, name string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, name+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+name)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, name+" cannot be nil")
	}
	return u, nil
}

func ParseSelectionID(s string) (SelectionID, error) {
	u, err := parseUUID(s, "selection_id")
	return SelectionID(u), err
}

func ParseProgramID(s string) (ProgramID, error) {
	u, err := parseUUID(s, "program_id")
	return ProgramID(u), err
}

func ParseHouseholdID(s string) (HouseholdID, error) {
	u, err := parseUUID(s, "household_id")
	return HouseholdID(u), err
}

func ParseAdminAreaID(s string) (AdminAreaID, error) {
	u, err := parseUUID(s, "admin_area_id")
	return AdminAreaID(u), err
}

func ParseScoringRuleID(s string) (ScoringRuleID, error) {
	u, err := parseUUID(s, "scoring_rule_id")
	return ScoringRuleID(u), err
}
