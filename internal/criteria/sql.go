package criteria

import (
	"strconv"
	"strings"

	"github.com/lib/pq"

	"targeting/internal/catalog"
)

// Table aliases the rendered clause refers to. The caller selects from
// households aliased HouseholdAlias; individual blocks query the individuals
// table themselves.
const (
	HouseholdAlias  = "h"
	IndividualAlias = "i"
)

// Args accumulates positional query parameters ($1, $2, ...).
type Args struct {
	values []any
}

// Add appends v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// Values returns the parameters in placeholder order.
func (a *Args) Values() []any {
	return a.values
}

// SQL renders the predicate as a boolean Postgres expression over the
// households alias, appending its parameters to args.
func (p *Predicate) SQL(args *Args) string {
	if p.matchAll {
		return "TRUE"
	}
	rules := make([]string, 0, len(p.rules))
	for _, r := range p.rules {
		rules = append(rules, p.ruleSQL(r, args))
	}
	return "(" + strings.Join(rules, " OR ") + ")"
}

func (p *Predicate) ruleSQL(r compiledRule, args *Args) string {
	if len(r.filters) == 0 && len(r.blocks) == 0 {
		return "FALSE"
	}
	parts := make([]string, 0, len(r.filters)+len(r.blocks))
	for _, f := range r.filters {
		parts = append(parts, p.filterSQL(f, HouseholdAlias, args))
	}
	for _, b := range r.blocks {
		conds := []string{
			IndividualAlias + ".household_id = " + HouseholdAlias + ".id",
			"NOT " + IndividualAlias + ".withdrawn",
		}
		for _, f := range b.filters {
			conds = append(conds, p.filterSQL(f, IndividualAlias, args))
		}
		parts = append(parts, "EXISTS (SELECT 1 FROM individuals "+IndividualAlias+
			" WHERE "+strings.Join(conds, " AND ")+")")
	}
	return "(" + strings.Join(parts, " AND ") + ")"
}

func (p *Predicate) filterSQL(f compiledFilter, alias string, args *Args) string {
	raw := p.valueSQL(f.field, alias, args)

	if f.method == MethodIsNull {
		if f.isNull {
			return "(" + raw + ") IS NULL"
		}
		return "(" + raw + ") IS NOT NULL"
	}

	if f.field.Type == catalog.TypeSelectMany {
		set := args.Add(pq.Array(stringArgs(f.args))) + "::text[]"
		switch f.method {
		case MethodEquals:
			return "(" + raw + ") ?| " + set
		case MethodNotEquals:
			return "NOT ((" + raw + ") ?| " + set + ")"
		default:
			return "(" + raw + ") ?& " + set
		}
	}

	cast := sqlType(f.field.Type)
	typed := "(" + raw + ")::" + cast
	param := func(v any) string { return args.Add(v) + "::" + cast }

	switch f.method {
	case MethodEquals, MethodNotEquals:
		var cond string
		if f.field.Type.IsChoice() {
			cond = typed + " = ANY(" + args.Add(pq.Array(stringArgs(f.args))) + "::text[])"
		} else {
			cond = typed + " = " + param(f.args[0])
		}
		if f.method == MethodNotEquals {
			return "NOT (" + cond + ")"
		}
		return cond
	case MethodRange, MethodNotInRange:
		var bounds []string
		if f.args[0] != nil {
			bounds = append(bounds, typed+" >= "+param(f.args[0]))
		}
		if f.args[1] != nil {
			bounds = append(bounds, typed+" <= "+param(f.args[1]))
		}
		if len(bounds) == 0 {
			if f.method == MethodRange {
				return "(" + raw + ") IS NOT NULL"
			}
			return "FALSE"
		}
		cond := "(" + strings.Join(bounds, " AND ") + ")"
		if f.method == MethodNotInRange {
			return "NOT " + cond
		}
		return cond
	case MethodGreaterThan:
		return typed + " >= " + param(f.args[0])
	case MethodLessThan:
		return typed + " <= " + param(f.args[0])
	case MethodContains:
		return "position(lower(" + param(f.args[0]) + ") in lower(" + typed + ")) > 0"
	case MethodNotContains:
		return "NOT (position(lower(" + param(f.args[0]) + ") in lower(" + typed + ")) > 0)"
	}
	return "FALSE"
}

// valueSQL renders the untyped value expression of a field: a column, a text
// (or jsonb for multi-choice) lookup into an attribute map, or computed age.
func (p *Predicate) valueSQL(d catalog.Descriptor, alias string, args *Args) string {
	accessor := "->>"
	if d.Type == catalog.TypeSelectMany {
		accessor = "->"
	}
	switch d.Source {
	case catalog.SourceColumn:
		if d.Type == catalog.TypeSelectMany {
			return "to_jsonb(" + alias + "." + d.Key + ")"
		}
		return alias + "." + d.Key
	case catalog.SourceAttribute:
		return alias + ".attributes" + accessor + args.Add(d.Key) + "::text"
	case catalog.SourceFlex:
		return alias + ".flex_fields" + accessor + args.Add(d.Key) + "::text"
	case catalog.SourceComputed:
		return "EXTRACT(YEAR FROM age(" + args.Add(p.asOf) + "::date, " + alias + ".birth_date))"
	}
	return "NULL"
}

func sqlType(t catalog.FieldType) string {
	switch t {
	case catalog.TypeInteger, catalog.TypeDecimal:
		return "numeric"
	case catalog.TypeDate:
		return "date"
	case catalog.TypeBool:
		return "boolean"
	}
	return "text"
}

func stringArgs(args []any) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, a.(string))
	}
	return out
}
