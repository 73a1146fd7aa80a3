// Package criteria compiles declarative targeting criteria into a Predicate.
//
// A Criteria OR's its rules; a Rule AND's its field filters and its
// individual filter blocks; a block is satisfied when some individual of the
// household satisfies all of its filters. Every field name is resolved in the
// field catalog and every argument is checked against the field's declared
// type at compile time, so a compiled Predicate cannot fail at evaluation.
//
// The same compiled tree is evaluated in memory (Predicate.Match) and
// rendered to a parameterised Postgres WHERE clause (Predicate.SQL).
package criteria

import (
	"context"
	"fmt"
	"time"

	"targeting/internal/catalog"
	dErrors "targeting/pkg/domain-errors"
	"targeting/pkg/requestcontext"
)

// Resolver looks up fields. *catalog.Catalog implements it.
type Resolver interface {
	Resolve(name string, program catalog.Program, scope catalog.Scope, isCustom bool) (catalog.Descriptor, error)
}

// Compiler turns criteria trees into predicates for a program.
type Compiler struct {
	fields Resolver
}

// NewCompiler returns a compiler resolving fields through fields.
func NewCompiler(fields Resolver) *Compiler {
	return &Compiler{fields: fields}
}

type options struct {
	asOf time.Time
}

// Option configures a single compilation.
type Option func(*options)

// WithAsOf pins the reference date of computed fields (age). Without it the
// request time from ctx is used.
func WithAsOf(t time.Time) Option {
	return func(o *options) {
		o.asOf = t
	}
}

// Compile validates c against the catalog and returns its predicate. Errors
// carry CodeInvalidCriteria and locate the offending filter.
func (c *Compiler) Compile(ctx context.Context, crit Criteria, program catalog.Program, opts ...Option) (*Predicate, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.asOf.IsZero() {
		o.asOf = requestcontext.Now(ctx)
	}

	p := &Predicate{
		matchAll: crit.IsEmpty(),
		asOf:     truncateDay(o.asOf),
		rules:    make([]compiledRule, 0, len(crit.Rules)),
	}
	for ri, rule := range crit.Rules {
		compiled := compiledRule{}
		for fi, f := range rule.Filters {
			cf, err := c.compileFilter(f, program, catalog.ScopeHousehold)
			if err != nil {
				return nil, locate(err, fmt.Sprintf("rule %d, filter %d", ri+1, fi+1))
			}
			compiled.filters = append(compiled.filters, cf)
		}
		for bi, block := range rule.IndividualBlocks {
			if len(block.Filters) == 0 {
				return nil, dErrors.New(dErrors.CodeInvalidCriteria,
					fmt.Sprintf("rule %d, individual block %d: block has no filters", ri+1, bi+1))
			}
			cb := compiledBlock{}
			for fi, f := range block.Filters {
				cf, err := c.compileFilter(f, program, catalog.ScopeIndividual)
				if err != nil {
					return nil, locate(err, fmt.Sprintf("rule %d, individual block %d, filter %d", ri+1, bi+1, fi+1))
				}
				cb.filters = append(cb.filters, cf)
			}
			compiled.blocks = append(compiled.blocks, cb)
		}
		p.rules = append(p.rules, compiled)
	}
	return p, nil
}

// Validate compiles crit and discards the predicate.
func (c *Compiler) Validate(ctx context.Context, crit Criteria, program catalog.Program) error {
	_, err := c.Compile(ctx, crit, program)
	return err
}

func (c *Compiler) compileFilter(f FieldFilter, program catalog.Program, scope catalog.Scope) (compiledFilter, error) {
	field, err := c.fields.Resolve(f.FieldName, program, scope, f.IsCustomField)
	if err != nil {
		return compiledFilter{}, err
	}
	spec, ok := methods[f.ComparisonMethod]
	if !ok {
		return compiledFilter{}, invalid("unknown comparison method %q", f.ComparisonMethod)
	}
	if !spec.supports(field.Type) {
		return compiledFilter{}, invalid("comparison method %s is not supported for field %q of type %s",
			f.ComparisonMethod, field.Name, field.Type)
	}
	if !spec.arityOK(field.Type, len(f.Arguments)) {
		if spec.variadicChoices && field.Type.IsChoice() {
			return compiledFilter{}, invalid("%s on field %q requires at least 1 argument", f.ComparisonMethod, field.Name)
		}
		return compiledFilter{}, invalid("%s on field %q requires exactly %d argument(s), got %d",
			f.ComparisonMethod, field.Name, spec.args, len(f.Arguments))
	}

	cf := compiledFilter{field: field, method: f.ComparisonMethod}
	if f.ComparisonMethod == MethodIsNull {
		isNull, ok := toBool(f.Arguments[0])
		if !ok {
			return compiledFilter{}, invalid("IS_NULL on field %q requires a boolean argument", field.Name)
		}
		cf.isNull = isNull
		return cf, nil
	}

	ranged := f.ComparisonMethod == MethodRange || f.ComparisonMethod == MethodNotInRange
	cf.args = make([]any, len(f.Arguments))
	for i, raw := range f.Arguments {
		if raw == nil && ranged {
			continue
		}
		if raw == nil {
			return compiledFilter{}, invalid("argument %d of %s on field %q cannot be null", i+1, f.ComparisonMethod, field.Name)
		}
		v, err := parseArg(field.Type, raw)
		if err != nil {
			return compiledFilter{}, invalid("field %q: %v", field.Name, err)
		}
		if field.Type.IsChoice() && !field.HasChoice(v.(string)) {
			return compiledFilter{}, invalid("%q is not a valid choice for field %q", v, field.Name)
		}
		cf.args[i] = v
	}
	if ranged && cf.args[0] != nil && cf.args[1] != nil && compareOrdered(cf.args[0], cf.args[1]) > 0 {
		return compiledFilter{}, invalid("%s bounds on field %q are not ordered", f.ComparisonMethod, field.Name)
	}
	return cf, nil
}

func invalid(format string, args ...any) error {
	return dErrors.New(dErrors.CodeInvalidCriteria, fmt.Sprintf(format, args...))
}

func locate(err error, where string) error {
	return dErrors.Wrap(err, dErrors.CodeInvalidCriteria, where)
}
