// Package catalog is the Field Catalog: the set of attributes criteria may
// reference, with their types and choice lists.
//
// Built-in (core) fields are global; custom fields are declared per program;
// choice lists for some fields (admin areas) are declared per business area.
// Lookups are explicit and fail with CodeInvalidCriteria when a name does not
// resolve, so a typo in criteria is a compile error rather than an empty
// result.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"

	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
)

// ErrUnknownField is wrapped by Resolve when a name is not in the catalog.
var ErrUnknownField = errors.New("unknown field")

// Column keys are rendered into SQL verbatim.
var columnKeyPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type coreKey struct {
	scope Scope
	name  string
}

type customKey struct {
	program id.ProgramID
	scope   Scope
	name    string
}

type choiceKey struct {
	businessArea id.BusinessArea
	field        string
}

// Catalog is safe for concurrent use. It is populated at program
// configuration time and read by the criteria compiler.
type Catalog struct {
	mu      sync.RWMutex
	core    map[coreKey]Descriptor
	custom  map[customKey]Descriptor
	choices map[choiceKey][]Choice
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		core:    make(map[coreKey]Descriptor),
		custom:  make(map[customKey]Descriptor),
		choices: make(map[choiceKey][]Choice),
	}
}

// RegisterCore adds or replaces a built-in field.
func (c *Catalog) RegisterCore(d Descriptor) error {
	d.IsCustom = false
	if d.Source == "" {
		d.Source = SourceAttribute
	}
	if err := validateDescriptor(d); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.core[coreKey{scope: d.Scope, name: d.Name}] = d
	return nil
}

// RegisterCustomField adds or replaces a program-scoped custom field.
func (c *Catalog) RegisterCustomField(program id.ProgramID, d Descriptor) error {
	if program.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "program_id is required for custom fields")
	}
	d.IsCustom = true
	d.Source = SourceFlex
	if d.Key == "" {
		d.Key = d.Name
	}
	if err := validateDescriptor(d); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom[customKey{program: program, scope: d.Scope, name: d.Name}] = d
	return nil
}

// RegisterChoices sets the business-area choice list of a field.
func (c *Catalog) RegisterChoices(ba id.BusinessArea, field string, choices []Choice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.choices[choiceKey{businessArea: ba, field: field}] = slices.Clone(choices)
}

// Resolve looks up a field for a program. Custom fields are looked up in the
// program's declarations, core fields globally. The returned descriptor
// carries the effective choice list for the program's business area.
func (c *Catalog) Resolve(name string, program Program, scope Scope, isCustom bool) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		d  Descriptor
		ok bool
	)
	if isCustom {
		d, ok = c.custom[customKey{program: program.ID, scope: scope, name: name}]
	} else {
		d, ok = c.core[coreKey{scope: scope, name: name}]
	}
	if !ok {
		kind := "core"
		if isCustom {
			kind = "custom"
		}
		msg := fmt.Sprintf("%s %s field %q is not available for program %s", kind, lowerScope(scope), name, program.ID)
		return Descriptor{}, dErrors.Wrap(ErrUnknownField, dErrors.CodeInvalidCriteria, msg)
	}
	if d.BusinessAreaChoices {
		d.Choices = slices.Clone(c.choices[choiceKey{businessArea: program.BusinessArea, field: d.Name}])
	}
	return d, nil
}

// Fields lists the core fields plus the program's custom fields for a scope,
// ordered by name.
func (c *Catalog) Fields(program Program, scope Scope) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Descriptor
	for k, d := range c.core {
		if k.scope == scope {
			out = append(out, d)
		}
	}
	for k, d := range c.custom {
		if k.program == program.ID && k.scope == scope {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return out
}

func validateDescriptor(d Descriptor) error {
	if d.Name == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "field name cannot be empty")
	}
	if !d.Type.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("field %q has invalid type %q", d.Name, d.Type))
	}
	if !d.Scope.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("field %q has invalid scope %q", d.Name, d.Scope))
	}
	if d.Key == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("field %q has no storage key", d.Name))
	}
	if d.Source == SourceColumn && !columnKeyPattern.MatchString(d.Key) {
		return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("field %q has invalid column %q", d.Name, d.Key))
	}
	if d.Source == SourceComputed && d.Key != ComputedAge {
		return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("field %q uses unsupported computed key %q", d.Name, d.Key))
	}
	return nil
}

// ComputedAge is the only computed field: whole years since birth_date.
const ComputedAge = "age"

func lowerScope(s Scope) string {
	if s == ScopeIndividual {
		return "individual"
	}
	return "household"
}
