package criteria

import (
	"strings"
	"time"

	"targeting/internal/catalog"
	"targeting/internal/registry/models"
)

type compiledFilter struct {
	field  catalog.Descriptor
	method Method
	// args holds canonical values; a nil entry is an open RANGE bound.
	args   []any
	isNull bool
}

type compiledBlock struct {
	filters []compiledFilter
}

type compiledRule struct {
	filters []compiledFilter
	blocks  []compiledBlock
}

// Predicate is a compiled criteria tree. It holds no references to mutable
// state: the same predicate always selects the same households from the
// same records.
type Predicate struct {
	rules    []compiledRule
	matchAll bool
	asOf     time.Time
}

// MatchAll reports whether the predicate selects every household.
func (p *Predicate) MatchAll() bool {
	return p.matchAll
}

// AsOf returns the reference date used for computed fields.
func (p *Predicate) AsOf() time.Time {
	return p.asOf
}

// Match evaluates the predicate against a household and its individuals.
// Withdrawn individuals never satisfy an individual block.
func (p *Predicate) Match(h models.Household) bool {
	if p.matchAll {
		return true
	}
	for _, r := range p.rules {
		if p.matchRule(r, h) {
			return true
		}
	}
	return false
}

func (p *Predicate) matchRule(r compiledRule, h models.Household) bool {
	if len(r.filters) == 0 && len(r.blocks) == 0 {
		return false
	}
	for _, f := range r.filters {
		v, ok := householdValue(f.field, h)
		if !evaluate(f, v, ok) {
			return false
		}
	}
	for _, b := range r.blocks {
		if !p.matchBlock(b, h) {
			return false
		}
	}
	return true
}

func (p *Predicate) matchBlock(b compiledBlock, h models.Household) bool {
	for _, ind := range h.ActiveIndividuals() {
		if p.matchIndividual(b, ind) {
			return true
		}
	}
	return false
}

func (p *Predicate) matchIndividual(b compiledBlock, ind models.Individual) bool {
	for _, f := range b.filters {
		v, ok := p.individualValue(f.field, ind)
		if !evaluate(f, v, ok) {
			return false
		}
	}
	return true
}

func householdValue(d catalog.Descriptor, h models.Household) (any, bool) {
	switch d.Source {
	case catalog.SourceColumn:
		return h.Column(d.Key)
	case catalog.SourceAttribute:
		return lookup(h.Attributes, d.Key)
	case catalog.SourceFlex:
		return lookup(h.FlexFields, d.Key)
	}
	return nil, false
}

func (p *Predicate) individualValue(d catalog.Descriptor, ind models.Individual) (any, bool) {
	switch d.Source {
	case catalog.SourceColumn:
		return ind.Column(d.Key)
	case catalog.SourceAttribute:
		return lookup(ind.Attributes, d.Key)
	case catalog.SourceFlex:
		return lookup(ind.FlexFields, d.Key)
	case catalog.SourceComputed:
		age, ok := ind.AgeAt(p.asOf)
		return float64(age), ok
	}
	return nil, false
}

func lookup(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// evaluate applies one filter to a stored value. Absent or malformed values
// only satisfy IS_NULL; negated methods do not match them either, which keeps
// in-memory results equal to SQL three-valued logic.
func evaluate(f compiledFilter, raw any, present bool) bool {
	if f.method == MethodIsNull {
		return present != f.isNull
	}
	if !present {
		return false
	}

	if f.field.Type == catalog.TypeSelectMany {
		values, ok := toStrings(raw)
		if !ok {
			return false
		}
		switch f.method {
		case MethodEquals:
			return containsAny(values, f.args)
		case MethodNotEquals:
			return !containsAny(values, f.args)
		case MethodContains:
			return containsAll(values, f.args)
		}
		return false
	}

	v, err := parseStored(f.field.Type, raw)
	if err != nil {
		return false
	}
	switch f.method {
	case MethodEquals:
		return equalsAny(v, f.args)
	case MethodNotEquals:
		return !equalsAny(v, f.args)
	case MethodRange:
		return inRange(v, f.args[0], f.args[1])
	case MethodNotInRange:
		return !inRange(v, f.args[0], f.args[1])
	case MethodGreaterThan:
		return compareOrdered(v, f.args[0]) >= 0
	case MethodLessThan:
		return compareOrdered(v, f.args[0]) <= 0
	case MethodContains:
		return strings.Contains(strings.ToLower(v.(string)), strings.ToLower(f.args[0].(string)))
	case MethodNotContains:
		return !strings.Contains(strings.ToLower(v.(string)), strings.ToLower(f.args[0].(string)))
	}
	return false
}

func parseStored(t catalog.FieldType, raw any) (any, error) {
	if t == catalog.TypeString || t == catalog.TypeSelectOne {
		if s, ok := toString(raw); ok {
			return s, nil
		}
	}
	return parseArg(t, raw)
}

func equalsAny(v any, args []any) bool {
	for _, a := range args {
		switch av := v.(type) {
		case float64, time.Time:
			if compareOrdered(av, a) == 0 {
				return true
			}
		default:
			if v == a {
				return true
			}
		}
	}
	return false
}

func inRange(v, lo, hi any) bool {
	if lo != nil && compareOrdered(v, lo) < 0 {
		return false
	}
	if hi != nil && compareOrdered(v, hi) > 0 {
		return false
	}
	return true
}

func containsAny(values []string, args []any) bool {
	for _, a := range args {
		for _, v := range values {
			if v == a.(string) {
				return true
			}
		}
	}
	return false
}

func containsAll(values []string, args []any) bool {
	for _, a := range args {
		found := false
		for _, v := range values {
			if v == a.(string) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
