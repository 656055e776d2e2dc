// Package cascade materializes an entity graph recursively: creating one
// entity auto-populates its mandatory forward references by generating the
// related entities, depth-bounded, with one shared budget per invocation.
package cascade

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"loom/internal/generate"
	"loom/internal/resolver"
	"loom/internal/schema"
	"loom/internal/store"
	"loom/pkg/logger"

	loomerrors "loom/pkg/errors"
)

const (
	// DefaultMaxDepth applies when cascade is enabled with no explicit depth.
	DefaultMaxDepth = 3

	// DefaultMaxEntities caps total generated entities per cascade tree, a
	// secondary guard against pathological schemas when depth alone is not
	// enough.
	DefaultMaxEntities = 100
)

// Event phases emitted while a cascade runs.
const (
	PhaseGenerating = "generating"
	PhaseComplete   = "complete"
)

// Event is one progress notification. Callers drain these from the channel
// supplied in Options; emission never blocks the cascade.
type Event struct {
	Phase        string `json:"phase"`
	Depth        int    `json:"depth,omitempty"`
	CurrentType  string `json:"currentType,omitempty"`
	TotalCreated int    `json:"totalEntitiesCreated"`
}

// FieldError records one failed child creation.
type FieldError struct {
	Type  string `json:"type"`
	Field string `json:"field"`
	Err   error  `json:"-"`
}

// Options configures one cascade invocation.
type Options struct {
	// Cascade enables child generation. Disabled, only the root record is
	// created.
	Cascade bool

	// MaxDepth bounds the recursion. Zero with Cascade enabled means
	// DefaultMaxDepth.
	MaxDepth int

	// MaxEntities caps generated entities across the whole tree. Zero means
	// DefaultMaxEntities.
	MaxEntities int

	// StopOnError aborts the whole tree on the first child failure instead
	// of degrading just that field.
	StopOnError bool

	// Types, when non-empty, is an allow-list: only these types are
	// generated as children.
	Types []string

	// Events receives progress events when set. Emission is non-blocking;
	// an undrained channel drops events rather than stalling creation.
	Events chan<- Event
}

// Result is the outcome of one cascade tree.
type Result struct {
	Record       *store.Record
	TotalCreated int
	Errors       []FieldError
}

// state is shared by reference across one cascade invocation tree and
// mutated only by the goroutine driving that cascade.
type state struct {
	created     int
	maxDepth    int
	maxEntities int
	stopOnError bool
	allow       map[string]bool
	events      chan<- Event
	errors      []FieldError
}

func (st *state) emit(ev Event) {
	if st.events == nil {
		return
	}
	select {
	case st.events <- ev:
	default:
	}
}

// Cascader drives depth-bounded recursive entity creation.
type Cascader struct {
	schema    *schema.Schema
	store     store.Store
	generator generate.Generator
	logger    *zap.Logger
}

// New creates a cascader.
func New(s *schema.Schema, st store.Store, gen generate.Generator) *Cascader {
	return &Cascader{
		schema:    s,
		store:     st,
		generator: gen,
		logger:    logger.Get(),
	}
}

// Create builds the root entity and, when cascade is enabled, its mandatory
// forward references recursively. Every child completes (success or recorded
// failure) before its parent's record is persisted.
func (c *Cascader) Create(ctx context.Context, ns, typeName string, data map[string]any, opts Options) (*Result, error) {
	maxDepth := 0
	if opts.Cascade {
		maxDepth = opts.MaxDepth
		if maxDepth <= 0 {
			maxDepth = DefaultMaxDepth
		}
	}
	maxEntities := opts.MaxEntities
	if maxEntities <= 0 {
		maxEntities = DefaultMaxEntities
	}

	st := &state{
		maxDepth:    maxDepth,
		maxEntities: maxEntities,
		stopOnError: opts.StopOnError,
		events:      opts.Events,
	}
	if len(opts.Types) > 0 {
		st.allow = make(map[string]bool, len(opts.Types))
		for _, t := range opts.Types {
			st.allow[t] = true
		}
	}

	rec, err := c.create(ctx, ns, typeName, data, 0, st)
	if err != nil {
		return nil, err
	}

	st.emit(Event{Phase: PhaseComplete, TotalCreated: st.created})
	return &Result{Record: rec, TotalCreated: st.created, Errors: st.errors}, nil
}

// create materializes one entity at the given depth. Children are created
// first; the entity's own record is persisted last.
func (c *Cascader) create(ctx context.Context, ns, typeName string, data map[string]any, depth int, st *state) (*store.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, loomerrors.NewContextError("cascade", err)
	}

	t := c.schema.Type(typeName)
	if t == nil {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("unknown type %s", typeName), nil)
	}

	pending := make(map[string]any, len(data))
	for k, v := range data {
		pending[k] = v
	}

	for _, f := range t.Fields {
		if !f.IsMandatoryForward() {
			continue
		}
		if v, ok := pending[f.Name]; ok && v != nil {
			continue
		}
		if depth >= st.maxDepth {
			continue
		}
		childType := f.CandidateTypes()[0]
		if st.allow != nil && !st.allow[childType] {
			continue
		}

		st.emit(Event{Phase: PhaseGenerating, Depth: depth, CurrentType: childType, TotalCreated: st.created})

		child, err := c.createChild(ctx, ns, t, f, childType, pending, depth, st)
		if err != nil {
			st.errors = append(st.errors, FieldError{Type: typeName, Field: f.Name, Err: err})
			c.logger.Warn("cascade child failed",
				zap.String("type", typeName),
				zap.String("field", f.Name),
				zap.Error(err),
			)
			if st.stopOnError {
				return nil, err
			}
			continue
		}

		if f.Array {
			pending[f.Name] = []any{child.ID}
		} else {
			pending[f.Name] = child.ID
		}
		st.created++
	}

	id, _ := pending["id"].(string)
	delete(pending, "id")
	rec, err := c.store.Insert(ctx, ns, id, typeName, pending)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// createChild synthesizes field values for one child entity and recurses.
func (c *Cascader) createChild(ctx context.Context, ns string, parent *schema.EntityType, f *schema.FieldSpec, childType string, parentData map[string]any, depth int, st *state) (*store.Record, error) {
	if st.created >= st.maxEntities {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeGenerate,
			fmt.Sprintf("cascade entity budget exhausted (%d)", st.maxEntities), nil)
	}

	ct := c.schema.Type(childType)
	if ct == nil {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("unknown type %s", childType), nil)
	}

	fields := make(map[string]string)
	for _, cf := range ct.Fields {
		if cf.Kind == schema.KindScalar {
			fields[cf.Name] = cf.Primitive
		}
	}

	contextStr := resolver.BuildContext(parentData)
	if f.Prompt != "" {
		contextStr = f.Prompt + "\n" + contextStr
	}
	if parent.Instructions != "" {
		contextStr = parent.Instructions + "\n" + contextStr
	}

	vals, err := c.generator.GenerateFields(ctx, childType, ct.Instructions, fields, contextStr)
	if err != nil {
		return nil, err
	}
	return c.create(ctx, ns, childType, vals, depth+1, st)
}
