package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	loomerrors "loom/pkg/errors"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// jsonEqual compares two documents by their canonical JSON encoding, which
// sidesteps int/float64 differences introduced by round-tripping.
func jsonEqual(t *testing.T, a, b any) bool {
	t.Helper()
	ja, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	jb, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(ja) == string(jb)
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	big := make([]any, 1200)
	for i := range big {
		big[i] = float64(i)
	}
	data := map[string]any{
		"title":   "Hello, 世界",
		"views":   42.0,
		"draft":   false,
		"summary": nil,
		"nested":  map[string]any{"a": []any{1.0, "two", true, nil}},
		"big":     big,
	}

	rec, err := s.Insert(ctx, "default", "p1", "Post", data)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if rec.ID != "p1" || rec.Type != "Post" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !rec.CreatedAt.Equal(rec.UpdatedAt) {
		t.Error("created_at must equal updated_at on insert")
	}

	got, err := s.Get(ctx, "default", "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !jsonEqual(t, got.Data, data) {
		t.Errorf("round trip mismatch:\ngot  %v\nwant %v", got.Data, data)
	}
}

func TestInsertGeneratesID(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.Insert(context.Background(), "default", "", "Post", nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestInsertConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "default", "p1", "Post", nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	_, err := s.Insert(ctx, "default", "p1", "Post", nil)
	if err == nil {
		t.Fatal("expected ConflictError")
	}
	if !loomerrors.IsConflict(err) {
		t.Errorf("expected ConflictError, got %T", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "default", "missing")
	if err == nil {
		t.Fatal("expected NotFoundError")
	}
	if !loomerrors.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %T", err)
	}
}

func TestUpdateShallowMerge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "default", "p1", "Post", map[string]any{
		"title": "Original",
		"views": 1.0,
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	updated, err := s.Update(ctx, "default", "p1", map[string]any{"views": 2.0})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Data["title"] != "Original" {
		t.Error("keys absent from the patch must be preserved")
	}
	if updated.Data["views"] != 2.0 {
		t.Errorf("patched key not applied: %v", updated.Data["views"])
	}
	if updated.Type != "Post" {
		t.Error("type must be immutable")
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Error("updated_at must be bumped")
	}

	if _, err := s.Update(ctx, "default", "missing", map[string]any{"a": 1}); !loomerrors.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestDeleteCascadesRelations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "x", "y"} {
		if _, err := s.Insert(ctx, "default", id, "Node", nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	mustRelate := func(from, rel, to string) {
		t.Helper()
		if _, err := s.Relate(ctx, "default", Relation{FromID: from, Relation: rel, ToID: to}); err != nil {
			t.Fatalf("Relate failed: %v", err)
		}
	}
	mustRelate("a", "links", "b")
	mustRelate("b", "links", "c")
	mustRelate("x", "links", "y")

	deleted, err := s.Delete(ctx, "default", "b")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !deleted {
		t.Error("expected true for existing record")
	}

	rels, err := s.QueryRelations(ctx, "default", RelationFilter{})
	if err != nil {
		t.Fatalf("QueryRelations failed: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected only the x->y relation to survive, got %v", rels)
	}
	if rels[0].FromID != "x" || rels[0].ToID != "y" {
		t.Errorf("unrelated edge was touched: %+v", rels[0])
	}

	// Idempotent in effect, not in return value.
	deleted, err = s.Delete(ctx, "default", "b")
	if err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if deleted {
		t.Error("expected false for absent record")
	}
}

func TestListFilterAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.Insert(ctx, "default", fmt.Sprintf("p%d", i), "Post", nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := s.Insert(ctx, "default", "a1", "Author", nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	posts, err := s.List(ctx, "default", ListOptions{Type: "Post"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(posts) != 5 {
		t.Fatalf("expected 5 posts, got %d", len(posts))
	}
	for i, rec := range posts {
		if rec.ID != fmt.Sprintf("p%d", i) {
			t.Errorf("insertion order violated at %d: %s", i, rec.ID)
		}
	}

	page, err := s.List(ctx, "default", ListOptions{Type: "Post", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "p2" || page[1].ID != "p3" {
		t.Errorf("unexpected page: %v", page)
	}

	empty, err := s.List(ctx, "default", ListOptions{Type: "Unknown"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty result for unknown type, got %v", empty)
	}
}

func TestRelateUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rel := Relation{FromID: "a", Relation: "links", ToID: "b", Metadata: map[string]any{"w": 1.0}}
	if _, err := s.Relate(ctx, "default", rel); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}

	// Re-inserting the identical triple must not duplicate the row.
	rel.Metadata = map[string]any{"w": 2.0}
	if _, err := s.Relate(ctx, "default", rel); err != nil {
		t.Fatalf("second Relate failed: %v", err)
	}

	rels, err := s.QueryRelations(ctx, "default", RelationFilter{FromID: "a"})
	if err != nil {
		t.Fatalf("QueryRelations failed: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected 1 relation row, got %d", len(rels))
	}
	if rels[0].Metadata["w"] != 2.0 {
		t.Errorf("metadata not upserted: %v", rels[0].Metadata)
	}
}

func TestUnrelate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Relate(ctx, "default", Relation{FromID: "a", Relation: "links", ToID: "b"}); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}

	ok, err := s.Unrelate(ctx, "default", "a", "links", "b")
	if err != nil {
		t.Fatalf("Unrelate failed: %v", err)
	}
	if !ok {
		t.Error("expected true for existing relation")
	}

	ok, err = s.Unrelate(ctx, "default", "a", "links", "b")
	if err != nil {
		t.Fatalf("Unrelate failed: %v", err)
	}
	if ok {
		t.Error("expected false for absent relation")
	}
}

func TestQueryRelationsFiltersAreANDed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	edges := []Relation{
		{FromID: "a", Relation: "likes", ToID: "b"},
		{FromID: "a", Relation: "follows", ToID: "c"},
		{FromID: "b", Relation: "likes", ToID: "c"},
	}
	for _, e := range edges {
		if _, err := s.Relate(ctx, "default", e); err != nil {
			t.Fatalf("Relate failed: %v", err)
		}
	}

	rels, err := s.QueryRelations(ctx, "default", RelationFilter{FromID: "a", Relation: "likes"})
	if err != nil {
		t.Fatalf("QueryRelations failed: %v", err)
	}
	if len(rels) != 1 || rels[0].ToID != "b" {
		t.Errorf("expected a-likes->b only, got %v", rels)
	}

	all, err := s.QueryRelations(ctx, "default", RelationFilter{})
	if err != nil {
		t.Fatalf("QueryRelations failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected all 3 relations, got %d", len(all))
	}
}

func TestTraverseMultiHop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// author -> wrote -> post -> tagged -> tag
	inserts := []struct{ id, typ string }{
		{"auth", "Author"},
		{"post1", "Post"}, {"post2", "Post"},
		{"tag1", "Tag"}, {"tag2", "Tag"},
		{"other", "Label"},
	}
	for _, in := range inserts {
		if _, err := s.Insert(ctx, "default", in.id, in.typ, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	mustRelate := func(from, rel, to string) {
		t.Helper()
		if _, err := s.Relate(ctx, "default", Relation{FromID: from, Relation: rel, ToID: to}); err != nil {
			t.Fatalf("Relate failed: %v", err)
		}
	}
	mustRelate("auth", "wrote", "post1")
	mustRelate("auth", "wrote", "post2")
	mustRelate("post1", "tagged", "tag1")
	mustRelate("post2", "tagged", "tag2")
	mustRelate("post2", "tagged", "other")

	recs, err := s.Traverse(ctx, "default", TraverseQuery{
		FromID:    "auth",
		Relations: []string{"wrote", "tagged"},
	})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	ids := recordIDs(recs)
	if !reflect.DeepEqual(ids, []string{"tag1", "tag2", "other"}) {
		t.Errorf("unexpected traversal result: %v", ids)
	}

	// Type filter applies to the final result set only.
	recs, err = s.Traverse(ctx, "default", TraverseQuery{
		FromID:    "auth",
		Relations: []string{"wrote", "tagged"},
		Type:      "Tag",
	})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if ids := recordIDs(recs); !reflect.DeepEqual(ids, []string{"tag1", "tag2"}) {
		t.Errorf("type filter failed: %v", ids)
	}

	// Reverse traversal walks edges backwards.
	recs, err = s.Traverse(ctx, "default", TraverseQuery{
		ToID:      "tag1",
		Relations: []string{"tagged"},
	})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if ids := recordIDs(recs); !reflect.DeepEqual(ids, []string{"post1"}) {
		t.Errorf("reverse traversal failed: %v", ids)
	}
}

func TestTraverseValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Traverse(ctx, "default", TraverseQuery{Relations: []string{"r"}}); err == nil {
		t.Error("expected error when neither endpoint is set")
	}
	if _, err := s.Traverse(ctx, "default", TraverseQuery{FromID: "a", ToID: "b", Relations: []string{"r"}}); err == nil {
		t.Error("expected error when both endpoints are set")
	}
	if _, err := s.Traverse(ctx, "default", TraverseQuery{FromID: "a"}); err == nil {
		t.Error("expected error for an empty relation path")
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "alpha", "shared", "Post", map[string]any{"ns": "alpha"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := s.Insert(ctx, "beta", "shared", "Post", map[string]any{"ns": "beta"}); err != nil {
		t.Fatalf("Insert into second namespace must not conflict: %v", err)
	}

	a, err := s.Get(ctx, "alpha", "shared")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Data["ns"] != "alpha" {
		t.Errorf("namespace leak: %v", a.Data)
	}

	if _, err := s.Get(ctx, "gamma", "shared"); !loomerrors.IsNotFound(err) {
		t.Errorf("expected NotFoundError across namespaces, got %v", err)
	}

	// Deleting in one namespace must not touch the other.
	if _, err := s.Delete(ctx, "alpha", "shared"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "beta", "shared"); err != nil {
		t.Errorf("beta record must survive alpha delete: %v", err)
	}
}

func recordIDs(recs []*Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
