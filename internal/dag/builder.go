package dag

import (
	"loom/internal/schema"
)

// FromSchema builds the dependency graph for a compiled schema. Every
// forward relation field contributes one edge per candidate type, since any
// of them may need to be created during the owner's construction. Backward
// and legacy bidirectional fields never force creation and add no edges.
func FromSchema(s *schema.Schema) (*Graph, error) {
	g := New()
	for _, t := range s.Types {
		if err := g.AddNode(t.Name); err != nil {
			return nil, err
		}
	}
	for _, t := range s.Types {
		for _, f := range t.Fields {
			if f.Kind != schema.KindRelation || f.Direction != schema.DirectionForward {
				continue
			}
			mandatory := f.IsMandatoryForward()
			for _, candidate := range f.CandidateTypes() {
				if err := g.AddEdge(t.Name, candidate, f.Name, mandatory); err != nil {
					return nil, err
				}
			}
		}
	}
	return g, nil
}
