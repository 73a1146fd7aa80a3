package criteria

import "slices"

// Method is a comparison method of a FieldFilter.
type Method string

const (
	MethodEquals      Method = "EQUALS"
	MethodNotEquals   Method = "NOT_EQUALS"
	MethodRange       Method = "RANGE"
	MethodNotInRange  Method = "NOT_IN_RANGE"
	MethodGreaterThan Method = "GREATER_THAN"
	MethodLessThan    Method = "LESS_THAN"
	MethodContains    Method = "CONTAINS"
	MethodNotContains Method = "NOT_CONTAINS"
	MethodIsNull      Method = "IS_NULL"
)

// Criteria is the root of a criteria tree. Rules are OR'd; a criteria with
// no rules selects the whole population.
type Criteria struct {
	Rules []Rule `json:"rules"`
}

// Rule AND's its filters and its individual blocks. A rule with neither
// selects nothing.
type Rule struct {
	Filters          []FieldFilter           `json:"filters"`
	IndividualBlocks []IndividualFilterBlock `json:"individuals_filters_blocks"`
}

// IndividualFilterBlock is satisfied by a household when at least one of its
// individuals satisfies every filter in the block.
type IndividualFilterBlock struct {
	Filters []FieldFilter `json:"individual_block_filters"`
}

// FieldFilter compares one field against its arguments. Arguments are
// loosely typed (decoded JSON or Go literals) and are parsed against the
// field's declared type at compile time. A nil RANGE bound is unbounded.
type FieldFilter struct {
	FieldName        string `json:"field_name"`
	IsCustomField    bool   `json:"is_flex_field"`
	ComparisonMethod Method `json:"comparison_method"`
	Arguments        []any  `json:"arguments"`
}

// IsEmpty reports whether the criteria has no rules.
func (c Criteria) IsEmpty() bool {
	return len(c.Rules) == 0
}

// Clone returns a deep copy so a copied selection can edit its criteria
// independently.
func (c Criteria) Clone() Criteria {
	out := Criteria{Rules: make([]Rule, len(c.Rules))}
	for i, r := range c.Rules {
		out.Rules[i] = r.clone()
	}
	return out
}

func (r Rule) clone() Rule {
	out := Rule{Filters: cloneFilters(r.Filters)}
	if r.IndividualBlocks != nil {
		out.IndividualBlocks = make([]IndividualFilterBlock, len(r.IndividualBlocks))
		for i, b := range r.IndividualBlocks {
			out.IndividualBlocks[i] = IndividualFilterBlock{Filters: cloneFilters(b.Filters)}
		}
	}
	return out
}

func cloneFilters(in []FieldFilter) []FieldFilter {
	if in == nil {
		return nil
	}
	out := make([]FieldFilter, len(in))
	for i, f := range in {
		f.Arguments = slices.Clone(f.Arguments)
		out[i] = f
	}
	return out
}
