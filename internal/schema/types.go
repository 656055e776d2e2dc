package schema

// Direction indicates which side of a relation owns the reference.
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
)

// MatchMode selects how a reference is resolved against existing data.
type MatchMode string

const (
	MatchModeNone  MatchMode = ""
	MatchModeExact MatchMode = "exact"
	MatchModeFuzzy MatchMode = "fuzzy"
)

// Kind discriminates scalar fields from relation fields.
type Kind int

const (
	KindScalar Kind = iota
	KindRelation
)

func (k Kind) String() string {
	if k == KindRelation {
		return "relation"
	}
	return "scalar"
}

// Operator tokens recognized in field definitions.
const (
	OpForwardExact  = "->"
	OpForwardFuzzy  = "~>"
	OpBackwardExact = "<-"
	OpBackwardFuzzy = "<~"
)

// FieldSpec is the parsed form of one field-definition string.
//
// Kind, Direction and MatchMode together form the discriminator; resolution
// code switches exhaustively on them instead of probing optional fields.
type FieldSpec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Scalar fields
	Primitive string `json:"primitive,omitempty"`

	// Relation fields
	Operator      string    `json:"operator,omitempty"`
	Direction     Direction `json:"direction,omitempty"`
	MatchMode     MatchMode `json:"matchMode,omitempty"`
	RelatedType   string    `json:"relatedType,omitempty"`
	UnionTypes    []string  `json:"unionTypes,omitempty"` // set only when >= 2 candidates
	Backref       string    `json:"backref,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"` // nil means "use the type- or global default"
	Bidirectional bool      `json:"bidirectional,omitempty"`

	Array    bool `json:"array,omitempty"`
	Optional bool `json:"optional,omitempty"`
}

// IsRelation reports whether the field is a relation field.
func (f *FieldSpec) IsRelation() bool {
	return f.Kind == KindRelation
}

// CandidateTypes returns the ordered candidate type list. The first entry is
// always the primary related type.
func (f *FieldSpec) CandidateTypes() []string {
	if len(f.UnionTypes) > 0 {
		return f.UnionTypes
	}
	if f.RelatedType != "" {
		return []string{f.RelatedType}
	}
	return nil
}

// IsMandatoryForward reports whether the field is a non-optional forward
// exact reference. These are the only edges that make a dependency cycle
// fatal, and the only fields the cascade auto-populates.
func (f *FieldSpec) IsMandatoryForward() bool {
	return f.Kind == KindRelation &&
		f.Direction == DirectionForward &&
		f.MatchMode == MatchModeExact &&
		!f.Optional
}

// EntityType is one declared type: an ordered list of parsed fields plus
// optional generation instructions and a type-level similarity threshold.
type EntityType struct {
	Name         string
	Instructions string
	Threshold    *float64
	Fields       []*FieldSpec

	byName map[string]*FieldSpec
}

// Field returns the named field spec, or nil.
func (t *EntityType) Field(name string) *FieldSpec {
	return t.byName[name]
}

// RelationFields returns the type's relation fields in declaration order.
func (t *EntityType) RelationFields() []*FieldSpec {
	var out []*FieldSpec
	for _, f := range t.Fields {
		if f.Kind == KindRelation {
			out = append(out, f)
		}
	}
	return out
}

// Schema is the compiled, validated form of a declared schema. Immutable
// after CompileSchema returns.
type Schema struct {
	Types []*EntityType

	byName map[string]*EntityType
}

// Type returns the named entity type, or nil.
func (s *Schema) Type(name string) *EntityType {
	return s.byName[name]
}

// TypeNames returns all type names in declaration order.
func (s *Schema) TypeNames() []string {
	names := make([]string, len(s.Types))
	for i, t := range s.Types {
		names[i] = t.Name
	}
	return names
}
