package schema

import (
	"fmt"

	loomerrors "loom/pkg/errors"
)

// FieldDef is one raw field declaration: a name and the unparsed definition
// (a string, or a single-element array for array fields).
type FieldDef struct {
	Name string
	Raw  any
}

// TypeDef is one raw type declaration. Fields are ordered.
type TypeDef struct {
	Name         string
	Instructions string
	Threshold    *float64
	Fields       []FieldDef
}

// CompileSchema parses every field of every declared type and validates
// cross-type references. It fails fast: any parse error or reference to an
// undeclared type aborts compilation, there is no partially-usable schema.
func CompileSchema(defs []TypeDef) (*Schema, error) {
	s := &Schema{byName: make(map[string]*EntityType, len(defs))}

	for _, def := range defs {
		if def.Name == "" {
			return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, "type declaration with empty name", nil)
		}
		if _, dup := s.byName[def.Name]; dup {
			return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("duplicate type declaration: %s", def.Name), nil)
		}
		t := &EntityType{
			Name:         def.Name,
			Instructions: def.Instructions,
			Threshold:    def.Threshold,
			byName:       make(map[string]*FieldSpec, len(def.Fields)),
		}
		for _, fd := range def.Fields {
			spec, err := ParseField(fd.Name, fd.Raw)
			if err != nil {
				return nil, err
			}
			if _, dup := t.byName[fd.Name]; dup {
				return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("duplicate field %s.%s", def.Name, fd.Name), nil)
			}
			t.Fields = append(t.Fields, spec)
			t.byName[fd.Name] = spec
		}
		s.Types = append(s.Types, t)
		s.byName[def.Name] = t
	}

	// Every candidate type must name a declared type.
	for _, t := range s.Types {
		for _, f := range t.Fields {
			if f.Kind != KindRelation {
				continue
			}
			for _, candidate := range f.CandidateTypes() {
				if _, ok := s.byName[candidate]; !ok {
					return nil, loomerrors.NewSchemaValidationError(t.Name, f.Name, candidate)
				}
			}
		}
	}

	return s, nil
}

// EffectiveThreshold returns the similarity threshold for a field: the
// field-level threshold when set, then the owning type's default, then the
// supplied global default.
func EffectiveThreshold(t *EntityType, f *FieldSpec, globalDefault float64) float64 {
	if f.Threshold != nil {
		return *f.Threshold
	}
	if t != nil && t.Threshold != nil {
		return *t.Threshold
	}
	return globalDefault
}
