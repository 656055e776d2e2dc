package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"loom/pkg/logger"

	loomerrors "loom/pkg/errors"
)

// Neo4jStore is the production graph backend. Entities are (:Entity) nodes
// and relation rows are [:REL]-edges between lightweight (:Ref) nodes keyed
// by (ns, id), so an edge may reference ids with no entity behind them.
type Neo4jStore struct {
	driver  neo4j.DriverWithContext
	nsLocks sync.Map
	logger  *zap.Logger
}

// OpenNeo4j connects to a Neo4j instance and verifies connectivity.
func OpenNeo4j(ctx context.Context, uri, user, password string) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}
	return &Neo4jStore{driver: driver, logger: logger.Get()}, nil
}

// Close closes the Neo4j driver connection.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Neo4jStore) nsLock(ns string) *sync.Mutex {
	mu, _ := s.nsLocks.LoadOrStore(ns, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Neo4jStore) Insert(ctx context.Context, ns, id, entityType string, data map[string]any) (*Record, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	doc, err := marshalDoc(data)
	if err != nil {
		return nil, loomerrors.NewStoreError("insert", err)
	}
	now := time.Now().UTC()

	query := `
		MERGE (e:Entity {ns: $ns, id: $id})
		ON CREATE SET
			e.type = $type,
			e.data = $data,
			e.created_at = $now,
			e.updated_at = $now,
			e.seq = $seq,
			e._created = true
		WITH e, e._created AS created
		REMOVE e._created
		RETURN created
	`
	result, err := session.Run(ctx, query, map[string]any{
		"ns":   ns,
		"id":   id,
		"type": entityType,
		"data": doc,
		"now":  now.Format(time.RFC3339Nano),
		"seq":  now.UnixNano(),
	})
	if err != nil {
		return nil, loomerrors.NewStoreError("insert", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, loomerrors.NewStoreError("insert", err)
	}
	if created, _ := record.Get("created"); created != true {
		return nil, loomerrors.NewConflictError(id)
	}

	s.logger.Debug("record inserted",
		zap.String("ns", ns),
		zap.String("id", id),
		zap.String("type", entityType),
	)

	return &Record{ID: id, Type: entityType, Data: cloneDoc(data), CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Neo4jStore) Get(ctx context.Context, ns, id string) (*Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (e:Entity {ns: $ns, id: $id})
		RETURN e.id AS id, e.type AS type, e.data AS data,
		       e.created_at AS created_at, e.updated_at AS updated_at
	`, map[string]any{"ns": ns, "id": id})
	if err != nil {
		return nil, loomerrors.NewStoreError("get", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return nil, loomerrors.NewStoreError("get", err)
		}
		return nil, loomerrors.NewNotFoundError(id)
	}
	return recordFromNeo4j(result.Record())
}

func (s *Neo4jStore) Update(ctx context.Context, ns, id string, patch map[string]any) (*Record, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.Get(ctx, ns, id)
	if err != nil {
		return nil, err
	}

	merged := existing.Data
	if merged == nil {
		merged = make(map[string]any)
	}
	for k, v := range patch {
		merged[k] = v
	}

	doc, err := marshalDoc(merged)
	if err != nil {
		return nil, loomerrors.NewStoreError("update", err)
	}
	now := time.Now().UTC()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.Run(ctx, `
		MATCH (e:Entity {ns: $ns, id: $id})
		SET e.data = $data, e.updated_at = $now
	`, map[string]any{"ns": ns, "id": id, "data": doc, "now": now.Format(time.RFC3339Nano)})
	if err != nil {
		return nil, loomerrors.NewStoreError("update", err)
	}

	existing.Data = merged
	existing.UpdatedAt = now
	return existing, nil
}

func (s *Neo4jStore) Delete(ctx context.Context, ns, id string) (bool, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		OPTIONAL MATCH (e:Entity {ns: $ns, id: $id})
		DELETE e
		WITH count(e) AS deleted
		OPTIONAL MATCH (r:Ref {ns: $ns, id: $id})
		DETACH DELETE r
		RETURN deleted
	`, map[string]any{"ns": ns, "id": id})
	if err != nil {
		return false, loomerrors.NewStoreError("delete", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return false, loomerrors.NewStoreError("delete", err)
	}
	deleted, _ := record.Get("deleted")
	count, _ := deleted.(int64)
	return count > 0, nil
}

func (s *Neo4jStore) List(ctx context.Context, ns string, opts ListOptions) ([]*Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	params := map[string]any{"ns": ns, "offset": opts.Offset}
	query := "MATCH (e:Entity {ns: $ns})"
	if opts.Type != "" {
		query += " WHERE e.type = $type"
		params["type"] = opts.Type
	}
	query += `
		RETURN e.id AS id, e.type AS type, e.data AS data,
		       e.created_at AS created_at, e.updated_at AS updated_at
		ORDER BY e.seq SKIP $offset`
	if opts.Limit > 0 {
		query += " LIMIT $limit"
		params["limit"] = opts.Limit
	}

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, loomerrors.NewStoreError("list", err)
	}

	records := []*Record{}
	for result.Next(ctx) {
		rec, err := recordFromNeo4j(result.Record())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := result.Err(); err != nil {
		return nil, loomerrors.NewStoreError("list", err)
	}
	return records, nil
}

func (s *Neo4jStore) Relate(ctx context.Context, ns string, rel Relation) (*Relation, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	var meta any
	if rel.Metadata != nil {
		doc, err := json.Marshal(rel.Metadata)
		if err != nil {
			return nil, loomerrors.NewStoreError("relate", err)
		}
		meta = string(doc)
	}

	_, err := session.Run(ctx, `
		MERGE (f:Ref {ns: $ns, id: $from})
		MERGE (t:Ref {ns: $ns, id: $to})
		MERGE (f)-[r:REL {name: $relation}]->(t)
		ON CREATE SET r.seq = $seq
		SET r.metadata = $metadata
	`, map[string]any{
		"ns":       ns,
		"from":     rel.FromID,
		"to":       rel.ToID,
		"relation": rel.Relation,
		"metadata": meta,
		"seq":      time.Now().UnixNano(),
	})
	if err != nil {
		return nil, loomerrors.NewStoreError("relate", err)
	}

	out := rel
	out.Metadata = cloneDoc(rel.Metadata)
	return &out, nil
}

func (s *Neo4jStore) Unrelate(ctx context.Context, ns, fromID, relation, toID string) (bool, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (f:Ref {ns: $ns, id: $from})-[r:REL {name: $relation}]->(t:Ref {ns: $ns, id: $to})
		DELETE r
		RETURN count(r) AS deleted
	`, map[string]any{"ns": ns, "from": fromID, "relation": relation, "to": toID})
	if err != nil {
		return false, loomerrors.NewStoreError("unrelate", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return false, loomerrors.NewStoreError("unrelate", err)
	}
	deleted, _ := record.Get("deleted")
	count, _ := deleted.(int64)
	return count > 0, nil
}

func (s *Neo4jStore) QueryRelations(ctx context.Context, ns string, f RelationFilter) ([]*Relation, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	params := map[string]any{"ns": ns}
	query := "MATCH (f:Ref {ns: $ns})-[r:REL]->(t:Ref) WHERE t.ns = $ns"
	if f.FromID != "" {
		query += " AND f.id = $from"
		params["from"] = f.FromID
	}
	if f.ToID != "" {
		query += " AND t.id = $to"
		params["to"] = f.ToID
	}
	if f.Relation != "" {
		query += " AND r.name = $relation"
		params["relation"] = f.Relation
	}
	query += `
		RETURN f.id AS from_id, r.name AS relation, t.id AS to_id, r.metadata AS metadata
		ORDER BY r.seq`

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, loomerrors.NewStoreError("query relations", err)
	}

	rels := []*Relation{}
	for result.Next(ctx) {
		record := result.Record()
		rel := &Relation{}
		rel.FromID, _ = stringValue(record, "from_id")
		rel.Relation, _ = stringValue(record, "relation")
		rel.ToID, _ = stringValue(record, "to_id")
		if meta, ok := stringValue(record, "metadata"); ok && meta != "" {
			if err := json.Unmarshal([]byte(meta), &rel.Metadata); err != nil {
				return nil, loomerrors.NewStoreError("query relations", err)
			}
		}
		rels = append(rels, rel)
	}
	if err := result.Err(); err != nil {
		return nil, loomerrors.NewStoreError("query relations", err)
	}
	return rels, nil
}

func (s *Neo4jStore) Traverse(ctx context.Context, ns string, q TraverseQuery) ([]*Record, error) {
	if err := validateTraverse(q); err != nil {
		return nil, err
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	reverse := q.FromID == ""
	current := []string{q.FromID}
	if reverse {
		current = []string{q.ToID}
	}

	hop := `
		MATCH (f:Ref {ns: $ns})-[r:REL {name: $relation}]->(t:Ref {ns: $ns})
		WHERE f.id IN $ids
		RETURN DISTINCT t.id AS id ORDER BY id`
	if reverse {
		hop = `
		MATCH (f:Ref {ns: $ns})-[r:REL {name: $relation}]->(t:Ref {ns: $ns})
		WHERE t.id IN $ids
		RETURN DISTINCT f.id AS id ORDER BY id`
	}

	for _, relation := range q.Relations {
		if len(current) == 0 {
			break
		}
		result, err := session.Run(ctx, hop, map[string]any{"ns": ns, "relation": relation, "ids": current})
		if err != nil {
			return nil, loomerrors.NewStoreError("traverse", err)
		}
		next := []string{}
		for result.Next(ctx) {
			if id, ok := stringValue(result.Record(), "id"); ok {
				next = append(next, id)
			}
		}
		if err := result.Err(); err != nil {
			return nil, loomerrors.NewStoreError("traverse", err)
		}
		current = next
	}

	if len(current) == 0 {
		return []*Record{}, nil
	}

	params := map[string]any{"ns": ns, "ids": current}
	query := "MATCH (e:Entity {ns: $ns}) WHERE e.id IN $ids"
	if q.Type != "" {
		query += " AND e.type = $type"
		params["type"] = q.Type
	}
	query += `
		RETURN e.id AS id, e.type AS type, e.data AS data,
		       e.created_at AS created_at, e.updated_at AS updated_at
		ORDER BY e.seq`

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, loomerrors.NewStoreError("traverse", err)
	}
	records := []*Record{}
	for result.Next(ctx) {
		rec, err := recordFromNeo4j(result.Record())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := result.Err(); err != nil {
		return nil, loomerrors.NewStoreError("traverse", err)
	}
	return records, nil
}

// Helpers

func stringValue(record *neo4j.Record, key string) (string, bool) {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

func recordFromNeo4j(record *neo4j.Record) (*Record, error) {
	rec := &Record{}
	rec.ID, _ = stringValue(record, "id")
	rec.Type, _ = stringValue(record, "type")

	doc, _ := stringValue(record, "data")
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &rec.Data); err != nil {
			return nil, loomerrors.NewStoreError("scan", err)
		}
	}

	var err error
	if created, ok := stringValue(record, "created_at"); ok {
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, loomerrors.NewStoreError("scan", err)
		}
	}
	if updated, ok := stringValue(record, "updated_at"); ok {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
			return nil, loomerrors.NewStoreError("scan", err)
		}
	}
	return rec, nil
}
