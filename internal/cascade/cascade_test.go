package cascade

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"loom/internal/generate"
	"loom/internal/schema"
	"loom/internal/store"
)

func compileSchema(t *testing.T, defs []schema.TypeDef) *schema.Schema {
	t.Helper()
	s, err := schema.CompileSchema(defs)
	if err != nil {
		t.Fatalf("CompileSchema failed: %v", err)
	}
	return s
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func postAuthorSchema(t *testing.T) *schema.Schema {
	t.Helper()
	return compileSchema(t, []schema.TypeDef{
		{Name: "Author", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}}},
		{Name: "Post", Fields: []schema.FieldDef{
			{Name: "title", Raw: "string"},
			{Name: "author", Raw: "->Author"},
		}},
	})
}

func TestCascadeDisabledCreatesRootOnly(t *testing.T) {
	st := openTestStore(t)
	gen := &generate.MockGenerator{}
	c := New(postAuthorSchema(t), st, gen)

	res, err := c.Create(context.Background(), "t", "Post", map[string]any{"title": "hello"}, Options{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.TotalCreated != 0 || gen.FieldCalls() != 0 {
		t.Errorf("disabled cascade must not generate: %+v", res)
	}
	if res.Record.Data["author"] != nil {
		t.Errorf("author must stay unset, got %v", res.Record.Data["author"])
	}
}

func TestCascadeCreatesMandatoryChild(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	gen := &generate.MockGenerator{Records: map[string]map[string]any{
		"Author": {"name": "Ada"},
	}}
	c := New(postAuthorSchema(t), st, gen)

	events := make(chan Event, 64)
	res, err := c.Create(ctx, "t", "Post", map[string]any{"title": "hello"}, Options{
		Cascade: true,
		Events:  events,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.TotalCreated != 1 {
		t.Fatalf("expected 1 created child, got %d", res.TotalCreated)
	}

	authorID, ok := res.Record.Data["author"].(string)
	if !ok || authorID == "" {
		t.Fatalf("author not attached: %v", res.Record.Data)
	}
	child, err := st.Get(ctx, "t", authorID)
	if err != nil {
		t.Fatalf("child not persisted before parent: %v", err)
	}
	if child.Type != "Author" || child.Data["name"] != "Ada" {
		t.Errorf("unexpected child: %+v", child)
	}
	if child.CreatedAt.After(res.Record.CreatedAt) {
		t.Errorf("child must be persisted before its parent: child %v, parent %v", child.CreatedAt, res.Record.CreatedAt)
	}

	var phases []string
	for len(events) > 0 {
		ev := <-events
		phases = append(phases, ev.Phase)
		if ev.Phase == PhaseGenerating && ev.CurrentType != "Author" {
			t.Errorf("unexpected generating event: %+v", ev)
		}
		if ev.Phase == PhaseComplete && ev.TotalCreated != 1 {
			t.Errorf("complete event count wrong: %+v", ev)
		}
	}
	if len(phases) != 2 || phases[0] != PhaseGenerating || phases[1] != PhaseComplete {
		t.Errorf("unexpected event sequence: %v", phases)
	}
}

func TestCascadeDepthBound(t *testing.T) {
	s := compileSchema(t, []schema.TypeDef{
		{Name: "D", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}}},
		{Name: "C", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}, {Name: "d", Raw: "->D"}}},
		{Name: "B", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}, {Name: "c", Raw: "->C"}}},
		{Name: "A", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}, {Name: "b", Raw: "->B"}}},
	})
	st := openTestStore(t)
	ctx := context.Background()
	c := New(s, st, &generate.MockGenerator{})

	res, err := c.Create(ctx, "t", "A", map[string]any{"name": "root"}, Options{Cascade: true, MaxDepth: 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.TotalCreated != 2 {
		t.Errorf("depth 2 must create B and C only, got %d", res.TotalCreated)
	}

	ds, err := st.List(ctx, "t", store.ListOptions{Type: "D"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ds) != 0 {
		t.Errorf("D is beyond the depth bound, found %d records", len(ds))
	}
	cs, err := st.List(ctx, "t", store.ListOptions{Type: "C"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(cs) != 1 || cs[0].Data["d"] != nil {
		t.Errorf("C must exist with d unset: %+v", cs)
	}
}

func TestCascadeSkipsProvidedValues(t *testing.T) {
	st := openTestStore(t)
	gen := &generate.MockGenerator{}
	c := New(postAuthorSchema(t), st, gen)

	res, err := c.Create(context.Background(), "t", "Post",
		map[string]any{"title": "hello", "author": "a-1"},
		Options{Cascade: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.TotalCreated != 0 || gen.FieldCalls() != 0 {
		t.Error("provided values must not be regenerated")
	}
	if res.Record.Data["author"] != "a-1" {
		t.Errorf("provided value lost: %v", res.Record.Data["author"])
	}
}

func TestCascadeTypeAllowList(t *testing.T) {
	s := compileSchema(t, []schema.TypeDef{
		{Name: "Author", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}}},
		{Name: "Venue", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}}},
		{Name: "Post", Fields: []schema.FieldDef{
			{Name: "author", Raw: "->Author"},
			{Name: "venue", Raw: "->Venue"},
		}},
	})
	st := openTestStore(t)
	c := New(s, st, &generate.MockGenerator{})

	res, err := c.Create(context.Background(), "t", "Post", map[string]any{}, Options{
		Cascade: true,
		Types:   []string{"Author"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.TotalCreated != 1 {
		t.Fatalf("expected only Author generated, got %d", res.TotalCreated)
	}
	if res.Record.Data["author"] == nil || res.Record.Data["venue"] != nil {
		t.Errorf("allow-list not honored: %v", res.Record.Data)
	}
}

func TestCascadeChildFailureDegradesField(t *testing.T) {
	st := openTestStore(t)
	boom := errors.New("generator down")
	c := New(postAuthorSchema(t), st, &generate.MockGenerator{Err: boom})

	res, err := c.Create(context.Background(), "t", "Post", map[string]any{"title": "hello"}, Options{Cascade: true})
	if err != nil {
		t.Fatalf("a child failure must not abort the tree: %v", err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Field != "author" {
		t.Fatalf("expected one recorded field error, got %+v", res.Errors)
	}
	if !errors.Is(res.Errors[0].Err, boom) {
		t.Errorf("cause lost: %v", res.Errors[0].Err)
	}
	if res.Record == nil || res.Record.Data["author"] != nil {
		t.Errorf("root must persist with the field degraded: %+v", res.Record)
	}
}

func TestCascadeStopOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	c := New(postAuthorSchema(t), st, &generate.MockGenerator{Err: errors.New("generator down")})

	_, err := c.Create(ctx, "t", "Post", map[string]any{"title": "hello"}, Options{
		Cascade:     true,
		StopOnError: true,
	})
	if err == nil {
		t.Fatal("stopOnError must abort the whole tree")
	}

	recs, listErr := st.List(ctx, "t", store.ListOptions{})
	if listErr != nil {
		t.Fatalf("List failed: %v", listErr)
	}
	if len(recs) != 0 {
		t.Errorf("aborted tree must not persist the root, found %d records", len(recs))
	}
}

func TestCascadeEntityBudget(t *testing.T) {
	s := compileSchema(t, []schema.TypeDef{
		{Name: "Author", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}}},
		{Name: "Venue", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}}},
		{Name: "Post", Fields: []schema.FieldDef{
			{Name: "author", Raw: "->Author"},
			{Name: "venue", Raw: "->Venue"},
		}},
	})
	st := openTestStore(t)
	c := New(s, st, &generate.MockGenerator{})

	res, err := c.Create(context.Background(), "t", "Post", map[string]any{}, Options{
		Cascade:     true,
		MaxEntities: 1,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if res.TotalCreated != 1 {
		t.Errorf("budget 1 must stop after one child, created %d", res.TotalCreated)
	}
	if len(res.Errors) != 1 || res.Errors[0].Field != "venue" {
		t.Errorf("over-budget field must record an error: %+v", res.Errors)
	}
}

func TestCascadeArrayFieldWrapsID(t *testing.T) {
	s := compileSchema(t, []schema.TypeDef{
		{Name: "Tag", Fields: []schema.FieldDef{{Name: "name", Raw: "string"}}},
		{Name: "Post", Fields: []schema.FieldDef{
			{Name: "tags", Raw: []string{"->Tag"}},
		}},
	})
	st := openTestStore(t)
	c := New(s, st, &generate.MockGenerator{})

	res, err := c.Create(context.Background(), "t", "Post", map[string]any{}, Options{Cascade: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ids, ok := res.Record.Data["tags"].([]any)
	if !ok || len(ids) != 1 {
		t.Fatalf("array field must hold [id], got %v", res.Record.Data["tags"])
	}
}
