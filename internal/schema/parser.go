package schema

import (
	"strconv"
	"strings"

	loomerrors "loom/pkg/errors"
)

var operators = []string{OpForwardExact, OpForwardFuzzy, OpBackwardExact, OpBackwardFuzzy}

var scalarPrimitives = map[string]bool{
	"string":   true,
	"text":     true,
	"number":   true,
	"boolean":  true,
	"object":   true,
	"date":     true,
	"datetime": true,
}

// ParseField parses one field definition. The raw value is either a string
// or a single-element array of one string, which marks the field as an
// array field.
func ParseField(name string, raw any) (*FieldSpec, error) {
	switch v := raw.(type) {
	case string:
		return parseFieldString(name, v, false)
	case []string:
		if len(v) != 1 {
			return nil, loomerrors.NewParseError(name, "", "array field definitions must contain exactly one element")
		}
		return parseFieldString(name, v[0], true)
	case []any:
		if len(v) != 1 {
			return nil, loomerrors.NewParseError(name, "", "array field definitions must contain exactly one element")
		}
		s, ok := v[0].(string)
		if !ok {
			return nil, loomerrors.NewParseError(name, "", "array field definitions must contain a string")
		}
		return parseFieldString(name, s, true)
	default:
		return nil, loomerrors.NewParseError(name, "", "field definition must be a string or single-element array")
	}
}

// ParseFieldString parses a bare field-definition string.
func ParseFieldString(name, def string) (*FieldSpec, error) {
	return parseFieldString(name, def, false)
}

func parseFieldString(name, def string, array bool) (*FieldSpec, error) {
	s := strings.TrimSpace(def)
	if s == "" {
		return nil, loomerrors.NewParseError(name, def, "empty field definition")
	}

	// Everything before the first operator token is the prompt.
	opIdx, op := findOperator(s)
	if opIdx >= 0 {
		spec := &FieldSpec{
			Name:     name,
			Kind:     KindRelation,
			Operator: op,
			Array:    array,
			Prompt:   strings.TrimSpace(s[:opIdx]),
		}
		switch op {
		case OpForwardExact:
			spec.Direction, spec.MatchMode = DirectionForward, MatchModeExact
		case OpForwardFuzzy:
			spec.Direction, spec.MatchMode = DirectionForward, MatchModeFuzzy
		case OpBackwardExact:
			spec.Direction, spec.MatchMode = DirectionBackward, MatchModeExact
		case OpBackwardFuzzy:
			spec.Direction, spec.MatchMode = DirectionBackward, MatchModeFuzzy
		}
		if err := parseRelationTail(spec, s[opIdx+len(op):]); err != nil {
			return nil, err
		}
		return spec, nil
	}

	// Legacy bidirectional form: Type.field with no operator.
	if typ, backref, ok := splitLegacyRelation(s); ok {
		return &FieldSpec{
			Name:          name,
			Kind:          KindRelation,
			RelatedType:   typ,
			Backref:       backref,
			Bidirectional: true,
			Array:         array,
		}, nil
	}

	// Scalar field.
	scalar := s
	optional := false
	if strings.HasSuffix(scalar, "?") {
		optional = true
		scalar = strings.TrimSpace(strings.TrimSuffix(scalar, "?"))
	}
	if scalarPrimitives[scalar] {
		return &FieldSpec{
			Name:      name,
			Kind:      KindScalar,
			Primitive: scalar,
			Array:     array,
			Optional:  optional,
		}, nil
	}

	if strings.ContainsAny(s, "<>~") {
		return nil, loomerrors.NewParseError(name, s, "unknown operator")
	}
	return nil, loomerrors.NewParseError(name, s, "unrecognized field definition")
}

// findOperator returns the index and token of the first operator in s, or
// (-1, "") when none is present.
func findOperator(s string) (int, string) {
	best, tok := -1, ""
	for _, op := range operators {
		if i := strings.Index(s, op); i >= 0 && (best < 0 || i < best) {
			best, tok = i, op
		}
	}
	return best, tok
}

// parseRelationTail parses everything after the operator token: the type
// list, optional .backref suffix, optional (threshold) and trailing ?.
func parseRelationTail(spec *FieldSpec, tail string) error {
	s := strings.TrimSpace(tail)

	if strings.HasSuffix(s, "?") {
		spec.Optional = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "?"))
	}

	if strings.HasSuffix(s, ")") {
		open := strings.LastIndex(s, "(")
		if open < 0 {
			return loomerrors.NewParseError(spec.Name, s, "unbalanced threshold parentheses")
		}
		inner := strings.TrimSpace(s[open+1 : len(s)-1])
		val, err := strconv.ParseFloat(inner, 64)
		if err != nil {
			return loomerrors.NewParseError(spec.Name, inner, "invalid threshold literal")
		}
		if val < 0 || val > 1 {
			return loomerrors.NewParseError(spec.Name, inner, "threshold must be in [0.0, 1.0]")
		}
		spec.Threshold = &val
		s = strings.TrimSpace(s[:open])
	}

	if s == "" {
		return loomerrors.NewParseError(spec.Name, tail, "missing type name after operator")
	}

	parts := strings.Split(s, "|")
	types := make([]string, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		// Only the last entry may carry a .backref suffix.
		if i == len(parts)-1 {
			if dot := strings.Index(part, "."); dot >= 0 {
				spec.Backref = strings.TrimSpace(part[dot+1:])
				part = strings.TrimSpace(part[:dot])
				if spec.Backref == "" || !isIdentifier(spec.Backref) {
					return loomerrors.NewParseError(spec.Name, parts[i], "invalid backref field name")
				}
			}
		}
		if part == "" || !isIdentifier(part) {
			return loomerrors.NewParseError(spec.Name, s, "invalid type name")
		}
		types = append(types, part)
	}

	spec.RelatedType = types[0]
	if len(types) > 1 {
		spec.UnionTypes = types
	}
	return nil
}

// splitLegacyRelation recognizes the legacy Type.field bidirectional syntax.
func splitLegacyRelation(s string) (typ, backref string, ok bool) {
	dot := strings.Index(s, ".")
	if dot <= 0 || dot == len(s)-1 {
		return "", "", false
	}
	typ, backref = s[:dot], s[dot+1:]
	if !isIdentifier(typ) || !isIdentifier(backref) {
		return "", "", false
	}
	// Type names are capitalized; lowercase dotted strings are not relations.
	if typ[0] < 'A' || typ[0] > 'Z' {
		return "", "", false
	}
	return typ, backref, true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
