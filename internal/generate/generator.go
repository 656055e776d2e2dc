// Package generate wraps the content generator used when a reference
// cannot be satisfied from existing data and a new entity must be
// synthesized. Entirely pluggable; tests swap in a mock.
package generate

import "context"

// Generator produces field values and whole field sets for new entities.
type Generator interface {
	// GenerateValue produces a single value for a field, guided by the
	// field's natural-language hint and the surrounding context.
	GenerateValue(ctx context.Context, hint, contextStr string) (string, error)

	// GenerateFields produces values for a set of fields of one entity
	// type. The fields map carries field name -> hint (primitive name or
	// prompt). The result maps field name -> generated value.
	GenerateFields(ctx context.Context, typeName, instructions string, fields map[string]string, contextStr string) (map[string]any, error)
}
