package catalog

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	id "targeting/pkg/domain"
	dErrors "targeting/pkg/domain-errors"
)

type CatalogSuite struct {
	suite.Suite
	catalog *Catalog
	program Program
}

func TestCatalogSuite(t *testing.T) {
	suite.Run(t, new(CatalogSuite))
}

func (s *CatalogSuite) SetupTest() {
	c, err := NewWithCore()
	s.Require().NoError(err)
	s.catalog = c
	s.program = Program{ID: id.ProgramID(uuid.New()), BusinessArea: "afghanistan"}
}

func (s *CatalogSuite) TestCoreFields() {
	s.Run("resolves household column field", func() {
		d, err := s.catalog.Resolve("size", s.program, ScopeHousehold, false)
		s.Require().NoError(err)
		s.Equal(TypeInteger, d.Type)
		s.Equal(SourceColumn, d.Source)
		s.False(d.IsCustom)
	})

	s.Run("resolves computed age", func() {
		d, err := s.catalog.Resolve("age", s.program, ScopeIndividual, false)
		s.Require().NoError(err)
		s.Equal(SourceComputed, d.Source)
		s.Equal(ComputedAge, d.Key)
	})

	s.Run("scope is part of the lookup", func() {
		_, err := s.catalog.Resolve("sex", s.program, ScopeHousehold, false)
		s.ErrorIs(err, ErrUnknownField)
	})

	s.Run("static choices are returned", func() {
		d, err := s.catalog.Resolve("sex", s.program, ScopeIndividual, false)
		s.Require().NoError(err)
		s.True(d.HasChoice("FEMALE"))
		s.False(d.HasChoice("female"))
	})
}

func (s *CatalogSuite) TestUnknownField() {
	_, err := s.catalog.Resolve("houshold_size", s.program, ScopeHousehold, false)
	s.Require().Error(err)
	s.ErrorIs(err, ErrUnknownField)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidCriteria))
	s.Contains(err.Error(), "houshold_size")
	s.Contains(err.Error(), s.program.ID.String())
}

func (s *CatalogSuite) TestCustomFields() {
	other := Program{ID: id.ProgramID(uuid.New()), BusinessArea: "afghanistan"}
	s.Require().NoError(s.catalog.RegisterCustomField(s.program.ID, Descriptor{
		Name:  "water_source",
		Type:  TypeSelectOne,
		Scope: ScopeHousehold,
		Choices: []Choice{
			{Value: "WELL"},
			{Value: "RIVER"},
		},
	}))

	s.Run("visible to the declaring program", func() {
		d, err := s.catalog.Resolve("water_source", s.program, ScopeHousehold, true)
		s.Require().NoError(err)
		s.True(d.IsCustom)
		s.Equal(SourceFlex, d.Source)
		s.Equal("water_source", d.Key)
	})

	s.Run("invisible to other programs", func() {
		_, err := s.catalog.Resolve("water_source", other, ScopeHousehold, true)
		s.ErrorIs(err, ErrUnknownField)
	})

	s.Run("custom flag selects the namespace", func() {
		_, err := s.catalog.Resolve("water_source", s.program, ScopeHousehold, false)
		s.ErrorIs(err, ErrUnknownField)
	})

	s.Run("requires a program", func() {
		err := s.catalog.RegisterCustomField(id.ProgramID{}, Descriptor{Name: "x", Type: TypeString, Scope: ScopeHousehold})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("listed with core fields", func() {
		names := []string{}
		for _, d := range s.catalog.Fields(s.program, ScopeHousehold) {
			names = append(names, d.Name)
		}
		s.Contains(names, "water_source")
		s.Contains(names, "size")
		s.IsNonDecreasing(names)
	})
}

func (s *CatalogSuite) TestBusinessAreaChoices() {
	area := uuid.NewString()
	s.catalog.RegisterChoices("afghanistan", "admin_area", []Choice{{Value: area, Label: "Kabul"}})

	choices, err := s.catalog.Choices(s.program, "admin_area", ScopeHousehold, false)
	s.Require().NoError(err)
	s.Len(choices, 1)
	s.Equal(area, choices[0].Value)

	ukraine := Program{ID: id.ProgramID(uuid.New()), BusinessArea: "ukraine"}
	choices, err = s.catalog.Choices(ukraine, "admin_area", ScopeHousehold, false)
	s.Require().NoError(err)
	s.Empty(choices)
}

func (s *CatalogSuite) TestLoadYAML() {
	program := uuid.NewString()

	s.Run("program document registers custom fields and choices", func() {
		doc := `
program: ` + program + `
business_area: somalia
fields:
  - name: livestock_count
    type: INTEGER
  - name: child_at_school
    type: BOOL
    scope: INDIVIDUAL
choices:
  admin_area:
    - {value: 11111111-1111-1111-1111-111111111111, label: Mogadishu}
`
		s.Require().NoError(s.catalog.LoadYAML(strings.NewReader(doc)))

		p := Program{ID: id.ProgramID(uuid.MustParse(program)), BusinessArea: "somalia"}
		d, err := s.catalog.Resolve("livestock_count", p, ScopeHousehold, true)
		s.Require().NoError(err)
		s.Equal(TypeInteger, d.Type)

		_, err = s.catalog.Resolve("child_at_school", p, ScopeIndividual, true)
		s.NoError(err)

		d, err = s.catalog.Resolve("admin_area", p, ScopeHousehold, false)
		s.Require().NoError(err)
		s.True(d.HasChoice("11111111-1111-1111-1111-111111111111"))
	})

	s.Run("rejects invalid type", func() {
		err := s.catalog.LoadYAML(strings.NewReader("fields:\n  - name: bad\n    type: FLOAT\n"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("rejects choices without business area", func() {
		err := s.catalog.LoadYAML(strings.NewReader("choices:\n  admin_area:\n    - {value: x}\n"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejects malformed program id", func() {
		err := s.catalog.LoadYAML(strings.NewReader("program: not-a-uuid\n"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}
