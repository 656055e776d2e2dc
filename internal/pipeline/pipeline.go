// Package pipeline orchestrates two-phase entity creation: a draft with
// pending references, resolution of those references, and persistence of the
// clean document. Mandatory forward references are delegated to the cascade
// when it is enabled.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loom/internal/cascade"
	"loom/internal/resolver"
	"loom/internal/schema"
	"loom/internal/store"
	"loom/pkg/logger"

	loomerrors "loom/pkg/errors"
)

// Phase tags carried by in-flight documents. Never persisted.
const (
	PhaseDraft    = "draft"
	PhaseResolved = "resolved"
)

// internalKeys are stripped from a document before it reaches the store.
var internalKeys = []string{"$phase", "$refs", "$errors", "$type"}

// Draft is an entity with pending references attached. Transient; never the
// persisted form.
type Draft struct {
	Phase string
	Type  string
	Data  map[string]any
	Refs  map[string]*schema.FieldSpec

	order []string
}

// FieldError is one failed field resolution. Present on a Resolved entity
// only when resolution actually failed; a failed field degrades that field,
// not the whole entity.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// Resolved is a draft with its pending references substituted by concrete
// values.
type Resolved struct {
	Phase  string
	Type   string
	Data   map[string]any
	Errors []FieldError
}

// Pipeline wires the resolver and the cascade into the creation flow.
type Pipeline struct {
	schema      *schema.Schema
	store       store.Store
	resolver    *resolver.Resolver
	cascader    *cascade.Cascader
	concurrency int
	logger      *zap.Logger
}

// New creates a pipeline. concurrency bounds parallel field resolutions of
// one entity.
func New(s *schema.Schema, st store.Store, r *resolver.Resolver, c *cascade.Cascader, concurrency int) *Pipeline {
	if concurrency <= 0 {
		concurrency = resolver.DefaultConcurrency
	}
	return &Pipeline{
		schema:      s,
		store:       st,
		resolver:    r,
		cascader:    c,
		concurrency: concurrency,
		logger:      logger.Get(),
	}
}

// Draft attaches a pending reference for every relation field without an
// explicit value. Promptless fields are left unresolved unless the cascade
// is enabled; mandatory forward fields are left to the cascade when it is.
func (p *Pipeline) Draft(typeName string, data map[string]any, cascadeEnabled bool) (*Draft, error) {
	t := p.schema.Type(typeName)
	if t == nil {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("unknown type %s", typeName), nil)
	}

	d := &Draft{
		Phase: PhaseDraft,
		Type:  typeName,
		Data:  cloneDoc(data),
		Refs:  make(map[string]*schema.FieldSpec),
	}
	for _, f := range t.RelationFields() {
		if v, ok := data[f.Name]; ok && v != nil {
			continue
		}
		if cascadeEnabled && f.IsMandatoryForward() {
			continue
		}
		if !cascadeEnabled && f.Prompt == "" {
			continue
		}
		d.Refs[f.Name] = f
		d.order = append(d.order, f.Name)
	}
	return d, nil
}

// Resolve runs the resolver over every pending reference. Independent
// fields resolve concurrently; failures accumulate per field instead of
// aborting siblings.
func (p *Pipeline) Resolve(ctx context.Context, ns string, d *Draft) (*Resolved, error) {
	t := p.schema.Type(d.Type)
	if t == nil {
		return nil, loomerrors.NewBaseError(loomerrors.ErrorTypeSchema, fmt.Sprintf("unknown type %s", d.Type), nil)
	}

	results := make([]*resolver.Resolution, len(d.order))
	failures := make([]error, len(d.order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, name := range d.order {
		i, f := i, d.Refs[name]
		g.Go(func() error {
			res, err := p.resolver.ResolveField(gctx, ns, t, f, d.Data)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Resolved{Phase: PhaseResolved, Type: d.Type, Data: cloneDoc(d.Data)}
	for i, name := range d.order {
		if failures[i] != nil {
			p.logger.Warn("field resolution failed",
				zap.String("type", d.Type),
				zap.String("field", name),
				zap.Error(failures[i]),
			)
			out.Errors = append(out.Errors, FieldError{Field: name, Error: failures[i].Error()})
			continue
		}
		res := results[i]
		if res.Value == nil {
			continue
		}
		out.Data[name] = res.Value
		for k, v := range res.Sidecar(name) {
			out.Data[k] = v
		}
	}
	return out, nil
}

// Create runs the full flow: draft, resolve, persist. With cascade enabled
// the cascade persists the record after populating mandatory forward
// references; otherwise the clean document is inserted directly.
func (p *Pipeline) Create(ctx context.Context, ns, typeName string, data map[string]any, opts cascade.Options) (*store.Record, []FieldError, error) {
	d, err := p.Draft(typeName, data, opts.Cascade)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := p.Resolve(ctx, ns, d)
	if err != nil {
		return nil, nil, err
	}

	clean := stripInternal(resolved.Data)
	fieldErrs := resolved.Errors

	if opts.Cascade {
		res, err := p.cascader.Create(ctx, ns, typeName, clean, opts)
		if err != nil {
			return nil, fieldErrs, err
		}
		for _, fe := range res.Errors {
			fieldErrs = append(fieldErrs, FieldError{Field: fe.Field, Error: fe.Err.Error()})
		}
		return res.Record, fieldErrs, nil
	}

	id, _ := clean["id"].(string)
	delete(clean, "id")
	rec, err := p.store.Insert(ctx, ns, id, typeName, clean)
	if err != nil {
		return nil, fieldErrs, err
	}
	return rec, fieldErrs, nil
}

// stripInternal removes the transient phase bookkeeping keys.
func stripInternal(data map[string]any) map[string]any {
	out := cloneDoc(data)
	for _, k := range internalKeys {
		delete(out, k)
	}
	return out
}

func cloneDoc(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
