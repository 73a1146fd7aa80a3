package criteria

import (
	"slices"

	"targeting/internal/catalog"
)

// methodSpec declares what a comparison method accepts. variadicChoices lets
// choice-typed fields take 1..N arguments; otherwise the count is exact.
type methodSpec struct {
	args            int
	variadicChoices bool
	types           []catalog.FieldType
}

var methods = map[Method]methodSpec{
	MethodEquals: {
		args:            1,
		variadicChoices: true,
		types: []catalog.FieldType{
			catalog.TypeInteger, catalog.TypeDecimal, catalog.TypeString, catalog.TypeBool,
			catalog.TypeDate, catalog.TypeSelectOne, catalog.TypeSelectMany,
		},
	},
	MethodNotEquals: {
		args:            1,
		variadicChoices: true,
		types: []catalog.FieldType{
			catalog.TypeInteger, catalog.TypeDecimal, catalog.TypeString, catalog.TypeBool,
			catalog.TypeDate, catalog.TypeSelectOne, catalog.TypeSelectMany,
		},
	},
	MethodRange: {
		args:  2,
		types: []catalog.FieldType{catalog.TypeInteger, catalog.TypeDecimal, catalog.TypeDate},
	},
	MethodNotInRange: {
		args:  2,
		types: []catalog.FieldType{catalog.TypeInteger, catalog.TypeDecimal, catalog.TypeDate},
	},
	MethodGreaterThan: {
		args:  1,
		types: []catalog.FieldType{catalog.TypeInteger, catalog.TypeDecimal, catalog.TypeDate},
	},
	MethodLessThan: {
		args:  1,
		types: []catalog.FieldType{catalog.TypeInteger, catalog.TypeDecimal, catalog.TypeDate},
	},
	MethodContains: {
		args:            1,
		variadicChoices: true,
		types:           []catalog.FieldType{catalog.TypeString, catalog.TypeSelectMany},
	},
	MethodNotContains: {
		args:  1,
		types: []catalog.FieldType{catalog.TypeString},
	},
	MethodIsNull: {
		args: 1,
		types: []catalog.FieldType{
			catalog.TypeInteger, catalog.TypeDecimal, catalog.TypeString, catalog.TypeBool,
			catalog.TypeDate, catalog.TypeSelectOne, catalog.TypeSelectMany,
		},
	},
}

// Methods lists the supported comparison methods.
func Methods() []Method {
	out := make([]Method, 0, len(methods))
	for m := range methods {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

func (s methodSpec) supports(t catalog.FieldType) bool {
	return slices.Contains(s.types, t)
}

// arityOK checks the argument count for a field of type t.
func (s methodSpec) arityOK(t catalog.FieldType, n int) bool {
	if s.variadicChoices && t.IsChoice() {
		return n >= 1
	}
	return n == s.args
}
