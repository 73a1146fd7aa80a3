package domain

import dErrors "targeting/pkg/domain-errors"

// Sex is the registry's recorded sex of an individual.
// Invariant: the value must be one of the supported registry values.
//
// Usage: construct via ParseSex at trust boundaries (sampling arguments,
// imported records); direct casting bypasses validation.
type Sex string

const (
	SexMale    Sex = "MALE"
	SexFemale  Sex = "FEMALE"
	SexOther   Sex = "OTHER"
	SexUnknown Sex = "NOT_COLLECTED"
)

var validSexes = map[Sex]bool{
	SexMale:    true,
	SexFemale:  true,
	SexOther:   true,
	SexUnknown: true,
}

// ParseSex constructs a Sex from external input.
//
// Errors: returns CodeInvalidInput when the value is empty or unsupported.
func ParseSex(s string) (Sex, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "sex cannot be empty")
	}
	v := Sex(s)
	if !v.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid sex")
	}
	return v, nil
}

func (s Sex) IsValid() bool {
	return validSexes[s]
}

func (s Sex) String() string {
	return string(s)
}
