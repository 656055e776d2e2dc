// Package store persists entity records and typed relation edges, one
// logical store per namespace. Mutations within a namespace are serialized;
// namespaces never see each other's data.
package store

import (
	"context"
	"time"
)

// Record is one entity row. Data is an arbitrary JSON document; the store
// imposes no schema on it.
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Relation is one typed edge. The triple (FromID, Relation, ToID) is the
// composite key; re-relating the identical triple upserts metadata instead
// of duplicating the row. There is no foreign-key enforcement: either end
// may reference an id not (yet) present.
type Relation struct {
	FromID   string         `json:"from_id"`
	Relation string         `json:"relation"`
	ToID     string         `json:"to_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ListOptions filters and paginates List.
type ListOptions struct {
	Type   string
	Limit  int
	Offset int
}

// RelationFilter selects relation rows. Zero-value fields are ignored; all
// provided filters are ANDed.
type RelationFilter struct {
	FromID   string
	ToID     string
	Relation string
}

// TraverseQuery is a multi-hop traversal. Exactly one of FromID/ToID is
// set: FromID walks edges forward, ToID walks them in reverse. Relations
// holds one relation name per hop; Type restricts the final result set.
type TraverseQuery struct {
	FromID    string
	ToID      string
	Relations []string
	Type      string
}

// Store is the entity/relation persistence contract. Implementations:
// SQLite (embedded default) and Neo4j (production graph backend).
type Store interface {
	// Insert creates a record. An empty id is generated. Returns a
	// ConflictError when the id already exists.
	Insert(ctx context.Context, ns, id, entityType string, data map[string]any) (*Record, error)

	// Get returns a record or a NotFoundError.
	Get(ctx context.Context, ns, id string) (*Record, error)

	// Update shallow-merges patch into the record's data and bumps
	// updated_at. The record type is immutable. NotFoundError when absent.
	Update(ctx context.Context, ns, id string, patch map[string]any) (*Record, error)

	// Delete removes a record and every relation row touching it, in both
	// directions. Returns false when the id did not exist.
	Delete(ctx context.Context, ns, id string) (bool, error)

	// List returns records in insertion order, optionally filtered by type
	// and paginated.
	List(ctx context.Context, ns string, opts ListOptions) ([]*Record, error)

	// Relate upserts a relation row on its composite key.
	Relate(ctx context.Context, ns string, rel Relation) (*Relation, error)

	// Unrelate removes a relation row. Returns false when absent.
	Unrelate(ctx context.Context, ns, fromID, relation, toID string) (bool, error)

	// QueryRelations returns relation rows matching the filter.
	QueryRelations(ctx context.Context, ns string, f RelationFilter) ([]*Relation, error)

	// Traverse performs sequential hops along the relation path and returns
	// the final record set.
	Traverse(ctx context.Context, ns string, q TraverseQuery) ([]*Record, error)

	Close() error
}
