package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
)

//go:embed core_fields.yaml
var coreFieldsYAML []byte

// document is the on-disk catalog format. A document without a program
// declares core fields; with a program it declares that program's custom
// fields. Choice lists need a business area.
type document struct {
	Program      string              `yaml:"program"`
	BusinessArea string              `yaml:"business_area"`
	Fields       []fieldDoc          `yaml:"fields"`
	Choices      map[string][]Choice `yaml:"choices"`
}

type fieldDoc struct {
	Name                string   `yaml:"name"`
	Label               string   `yaml:"label"`
	Type                string   `yaml:"type"`
	Scope               string   `yaml:"scope"`
	Source              string   `yaml:"source"`
	Key                 string   `yaml:"key"`
	Choices             []Choice `yaml:"choices"`
	BusinessAreaChoices bool     `yaml:"business_area_choices"`
}

// NewWithCore returns a catalog pre-loaded with the built-in fields.
func NewWithCore() (*Catalog, error) {
	c := New()
	if err := c.LoadYAML(bytes.NewReader(coreFieldsYAML)); err != nil {
		return nil, fmt.Errorf("load core catalog: %w", err)
	}
	return c, nil
}

// LoadYAML reads one or more catalog documents from r and registers their
// fields and choice lists.
func (c *Catalog) LoadYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	for {
		var doc document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, "decode catalog document")
		}
		if err := c.apply(doc); err != nil {
			return err
		}
	}
}

func (c *Catalog) apply(doc document) error {
	var program id.ProgramID
	if doc.Program != "" {
		parsed, err := uuid.Parse(doc.Program)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, fmt.Sprintf("invalid program %q", doc.Program))
		}
		program = id.ProgramID(parsed)
	}

	for _, f := range doc.Fields {
		d := Descriptor{
			Name:                f.Name,
			Label:               f.Label,
			Type:                FieldType(f.Type),
			Scope:               Scope(f.Scope),
			Source:              Source(f.Source),
			Key:                 f.Key,
			Choices:             slices.Clone(f.Choices),
			BusinessAreaChoices: f.BusinessAreaChoices,
		}
		if d.Scope == "" {
			d.Scope = ScopeHousehold
		}
		if d.Key == "" {
			d.Key = d.Name
		}
		var err error
		if program.IsNil() {
			err = c.RegisterCore(d)
		} else {
			err = c.RegisterCustomField(program, d)
		}
		if err != nil {
			return err
		}
	}

	if len(doc.Choices) > 0 && doc.BusinessArea == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "choices require a business_area")
	}
	for field, choices := range doc.Choices {
		c.RegisterChoices(id.BusinessArea(doc.BusinessArea), field, choices)
	}
	return nil
}

// Choices returns the effective choice list of a field for a program.
func (c *Catalog) Choices(program Program, name string, scope Scope, isCustom bool) ([]Choice, error) {
	d, err := c.Resolve(name, program, scope, isCustom)
	if err != nil {
		return nil, err
	}
	return d.Choices, nil
}
