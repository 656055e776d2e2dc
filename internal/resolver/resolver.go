// Package resolver turns one pending reference field into a concrete value:
// verbatim, matched against existing records by embedding similarity, or
// generated when the match mode allows it.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loom/internal/embedding"
	"loom/internal/generate"
	"loom/internal/schema"
	"loom/internal/store"
	"loom/pkg/logger"

	loomerrors "loom/pkg/errors"
)

// DefaultConcurrency bounds parallel candidate-type searches.
const DefaultConcurrency = 4

// Resolution is the outcome of resolving one reference field. A nil Value
// with a nil error means the reference legitimately resolved to nothing
// (backward modes with no match).
type Resolution struct {
	Value       any
	MatchedType string
	Score       float64
	Generated   bool
}

// Sidecar returns the provenance keys recorded on the owning entity,
// namespaced under the field name so sibling fields never collide.
func (res *Resolution) Sidecar(field string) map[string]any {
	out := make(map[string]any, 3)
	if res.Generated {
		out["$"+field+".generated"] = true
		return out
	}
	if res.MatchedType != "" {
		out["$"+field+".matchedType"] = res.MatchedType
		out["$"+field+".score"] = res.Score
	}
	return out
}

// Resolver resolves reference fields against a namespaced store, an
// embedding provider, and a content generator.
type Resolver struct {
	schema      *schema.Schema
	store       store.Store
	embedder    embedding.Provider
	generator   generate.Generator
	threshold   float64
	concurrency int
	logger      *zap.Logger
}

// New creates a resolver. threshold is the global similarity default,
// overridden per type and per field at resolution time.
func New(s *schema.Schema, st store.Store, embedder embedding.Provider, gen generate.Generator, threshold float64, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Resolver{
		schema:      s,
		store:       st,
		embedder:    embedder,
		generator:   gen,
		threshold:   threshold,
		concurrency: concurrency,
		logger:      logger.Get(),
	}
}

// ResolveField resolves one relation field of an in-progress entity. data is
// the entity's already-known field values; an explicit value for the field
// is used verbatim.
func (r *Resolver) ResolveField(ctx context.Context, ns string, owner *schema.EntityType, f *schema.FieldSpec, data map[string]any) (*Resolution, error) {
	if f.Kind != schema.KindRelation {
		return nil, loomerrors.NewResolveError(f.Name, fmt.Errorf("%s is not a relation field", f.Name))
	}

	if v, ok := data[f.Name]; ok && v != nil {
		return &Resolution{Value: v}, nil
	}

	switch {
	case f.Direction == schema.DirectionForward && f.MatchMode == schema.MatchModeExact:
		return r.resolveForwardExact(ctx, ns, f, data)
	case f.Direction == schema.DirectionForward && f.MatchMode == schema.MatchModeFuzzy:
		return r.resolveForwardFuzzy(ctx, ns, owner, f, data)
	case f.Direction == schema.DirectionBackward && f.MatchMode == schema.MatchModeExact:
		return r.resolveBackwardExact(ctx, ns, owner, f, data)
	case f.Direction == schema.DirectionBackward && f.MatchMode == schema.MatchModeFuzzy:
		return r.resolveBackwardFuzzy(ctx, ns, owner, f, data)
	case f.Bidirectional:
		// Legacy Type.field form behaves like a backward exact lookup.
		return r.resolveBackwardExact(ctx, ns, owner, f, data)
	default:
		return nil, loomerrors.NewResolveError(f.Name, fmt.Errorf("unresolvable field spec: direction=%q matchMode=%q", f.Direction, f.MatchMode))
	}
}

// resolveForwardExact generates a new entity of the first candidate type.
// Unions collapse to their first entry here.
func (r *Resolver) resolveForwardExact(ctx context.Context, ns string, f *schema.FieldSpec, data map[string]any) (*Resolution, error) {
	target := f.CandidateTypes()[0]
	id, err := r.generateEntity(ctx, ns, target, BuildContext(data))
	if err != nil {
		return nil, loomerrors.NewResolveError(f.Name, err)
	}
	r.logger.Debug("reference generated",
		zap.String("field", f.Name),
		zap.String("type", target),
		zap.String("id", id),
	)
	return &Resolution{Value: wrapValue(f, id), MatchedType: target, Generated: true}, nil
}

// resolveForwardFuzzy searches every candidate type and falls through to
// generation against the first candidate when nothing clears the threshold.
// It never resolves to nothing.
func (r *Resolver) resolveForwardFuzzy(ctx context.Context, ns string, owner *schema.EntityType, f *schema.FieldSpec, data map[string]any) (*Resolution, error) {
	best, err := r.searchBest(ctx, ns, queryText(f, data), f.CandidateTypes())
	if err != nil {
		return nil, loomerrors.NewResolveError(f.Name, err)
	}

	threshold := schema.EffectiveThreshold(owner, f, r.threshold)
	if best != nil && best.score >= threshold {
		r.logger.Debug("reference matched",
			zap.String("field", f.Name),
			zap.String("type", best.typeName),
			zap.Float64("score", best.score),
		)
		return &Resolution{Value: wrapValue(f, best.rec.ID), MatchedType: best.typeName, Score: best.score}, nil
	}

	target := f.CandidateTypes()[0]
	id, err := r.generateEntity(ctx, ns, target, BuildContext(data))
	if err != nil {
		return nil, loomerrors.NewResolveError(f.Name, err)
	}
	return &Resolution{Value: wrapValue(f, id), MatchedType: target, Generated: true}, nil
}

// resolveBackwardExact collects existing records of the candidate types
// whose backref field points at the owning entity. It never generates.
func (r *Resolver) resolveBackwardExact(ctx context.Context, ns string, owner *schema.EntityType, f *schema.FieldSpec, data map[string]any) (*Resolution, error) {
	ownerID, _ := data["id"].(string)
	if ownerID == "" {
		return &Resolution{}, nil
	}

	backref := f.Backref
	if backref == "" && owner != nil {
		backref = strings.ToLower(owner.Name)
	}

	var ids []any
	for _, tn := range f.CandidateTypes() {
		recs, err := r.store.List(ctx, ns, store.ListOptions{Type: tn})
		if err != nil {
			return nil, loomerrors.NewResolveError(f.Name, err)
		}
		for _, rec := range recs {
			if refersTo(rec.Data[backref], ownerID) {
				ids = append(ids, rec.ID)
			}
		}
	}
	if len(ids) == 0 {
		return &Resolution{}, nil
	}
	if f.Array {
		return &Resolution{Value: ids}, nil
	}
	return &Resolution{Value: ids[0]}, nil
}

// resolveBackwardFuzzy searches only. Below threshold or over an empty
// corpus it resolves to nothing; it never generates.
func (r *Resolver) resolveBackwardFuzzy(ctx context.Context, ns string, owner *schema.EntityType, f *schema.FieldSpec, data map[string]any) (*Resolution, error) {
	best, err := r.searchBest(ctx, ns, queryText(f, data), f.CandidateTypes())
	if err != nil {
		return nil, loomerrors.NewResolveError(f.Name, err)
	}

	threshold := schema.EffectiveThreshold(owner, f, r.threshold)
	if best == nil || best.score < threshold {
		return &Resolution{}, nil
	}
	return &Resolution{Value: wrapValue(f, best.rec.ID), MatchedType: best.typeName, Score: best.score}, nil
}

type candidateMatch struct {
	rec      *store.Record
	typeName string
	score    float64
}

// searchBest embeds the query once, then scores the corpus of each candidate
// type concurrently. Ties between types go to declaration order.
func (r *Resolver) searchBest(ctx context.Context, ns, query string, types []string) (*candidateMatch, error) {
	qvecs, err := r.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	qvec := qvecs[0]

	results := make([]*candidateMatch, len(types))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, tn := range types {
		i, tn := i, tn
		g.Go(func() error {
			recs, err := r.store.List(gctx, ns, store.ListOptions{Type: tn})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return nil
			}
			texts := make([]string, len(recs))
			for j, rec := range recs {
				texts[j] = textOf(rec)
			}
			vecs, err := r.embedder.EmbedTexts(gctx, texts)
			if err != nil {
				return err
			}
			matches := embedding.FindSimilar(qvec, vecs, 1)
			if len(matches) == 0 {
				return nil
			}
			results[i] = &candidateMatch{
				rec:      recs[matches[0].Index],
				typeName: tn,
				score:    matches[0].Score,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var best *candidateMatch
	for _, m := range results {
		if m == nil {
			continue
		}
		if best == nil || m.score > best.score {
			best = m
		}
	}
	return best, nil
}

// generateEntity synthesizes and persists a new entity of the given type,
// returning its id. Only scalar fields are generated; relation fields stay
// unset for the caller to resolve if it chooses to.
func (r *Resolver) generateEntity(ctx context.Context, ns, typeName, contextStr string) (string, error) {
	t := r.schema.Type(typeName)
	if t == nil {
		return "", fmt.Errorf("unknown type %s", typeName)
	}

	fields := make(map[string]string)
	for _, fs := range t.Fields {
		if fs.Kind == schema.KindScalar {
			fields[fs.Name] = fs.Primitive
		}
	}

	vals, err := r.generator.GenerateFields(ctx, typeName, t.Instructions, fields, contextStr)
	if err != nil {
		return "", err
	}
	rec, err := r.store.Insert(ctx, ns, "", typeName, vals)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// queryText is the text a fuzzy search embeds: the field's prompt when one
// was declared, otherwise the entity's own context, otherwise the field name.
func queryText(f *schema.FieldSpec, data map[string]any) string {
	if f.Prompt != "" {
		return f.Prompt
	}
	if s := BuildContext(data); s != "" {
		return s
	}
	return f.Name
}

// BuildContext flattens an entity's scalar string fields into "key: value"
// lines. Internal keys ($..., _...) and the id are skipped; keys are sorted
// so the output is deterministic.
func BuildContext(data map[string]any) string {
	var pairs []string
	for k, v := range data {
		if k == "id" || strings.HasPrefix(k, "$") || strings.HasPrefix(k, "_") {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			pairs = append(pairs, k+": "+s)
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "\n")
}

var preferredTextKeys = []string{"name", "title", "label", "content", "description"}

// textOf picks the text to embed for a record: a conventional display field
// when present, otherwise the flattened document.
func textOf(rec *store.Record) string {
	for _, k := range preferredTextKeys {
		if s, ok := rec.Data[k].(string); ok && s != "" {
			return s
		}
	}
	return BuildContext(rec.Data)
}

// refersTo reports whether a backref field value points at id, either as a
// plain string or as a membership in an array.
func refersTo(v any, id string) bool {
	switch val := v.(type) {
	case string:
		return val == id
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok && s == id {
				return true
			}
		}
	case []string:
		for _, s := range val {
			if s == id {
				return true
			}
		}
	}
	return false
}

// wrapValue wraps a single id in a one-element slice for array fields.
func wrapValue(f *schema.FieldSpec, id string) any {
	if f.Array {
		return []any{id}
	}
	return id
}
