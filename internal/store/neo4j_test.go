package store

import (
	"context"
	"testing"
	"time"

	loomerrors "loom/pkg/errors"
)

// These tests require a running Neo4j instance at bolt://localhost:7687
// (user neo4j, password "password"). They are skipped with -short and when
// the instance is unreachable.
func openNeo4jStore(t *testing.T) *Neo4jStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := OpenNeo4j(ctx, "bolt://localhost:7687", "neo4j", "password")
	if err != nil {
		t.Skipf("Neo4j not reachable: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testNamespace() string {
	return "test-" + time.Now().Format("20060102150405.000000000")
}

func TestNeo4jInsertGetDelete(t *testing.T) {
	s := openNeo4jStore(t)
	ctx := context.Background()
	ns := testNamespace()

	rec, err := s.Insert(ctx, ns, "p1", "Post", map[string]any{"title": "Hello"})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if rec.ID != "p1" {
		t.Errorf("unexpected id %q", rec.ID)
	}

	if _, err := s.Insert(ctx, ns, "p1", "Post", nil); !loomerrors.IsConflict(err) {
		t.Errorf("expected ConflictError, got %v", err)
	}

	got, err := s.Get(ctx, ns, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Data["title"] != "Hello" {
		t.Errorf("round trip mismatch: %v", got.Data)
	}

	deleted, err := s.Delete(ctx, ns, "p1")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !deleted {
		t.Error("expected true for existing record")
	}
	if _, err := s.Get(ctx, ns, "p1"); !loomerrors.IsNotFound(err) {
		t.Errorf("expected NotFoundError after delete, got %v", err)
	}
}

func TestNeo4jRelationsAndTraverse(t *testing.T) {
	s := openNeo4jStore(t)
	ctx := context.Background()
	ns := testNamespace()

	for _, in := range []struct{ id, typ string }{
		{"auth", "Author"}, {"post", "Post"}, {"tag", "Tag"},
	} {
		if _, err := s.Insert(ctx, ns, in.id, in.typ, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := s.Relate(ctx, ns, Relation{FromID: "auth", Relation: "wrote", ToID: "post"}); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}
	if _, err := s.Relate(ctx, ns, Relation{FromID: "post", Relation: "tagged", ToID: "tag"}); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}

	recs, err := s.Traverse(ctx, ns, TraverseQuery{FromID: "auth", Relations: []string{"wrote", "tagged"}})
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "tag" {
		t.Errorf("unexpected traversal result: %v", recordIDs(recs))
	}

	// Cascading cleanup on delete.
	if _, err := s.Delete(ctx, ns, "post"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	rels, err := s.QueryRelations(ctx, ns, RelationFilter{})
	if err != nil {
		t.Fatalf("QueryRelations failed: %v", err)
	}
	if len(rels) != 0 {
		t.Errorf("expected all relations touching post to be removed, got %v", rels)
	}

	// Cleanup remaining test nodes.
	for _, id := range []string{"auth", "tag"} {
		_, _ = s.Delete(ctx, ns, id)
	}
}
