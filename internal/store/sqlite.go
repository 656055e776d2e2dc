package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"loom/pkg/logger"

	loomerrors "loom/pkg/errors"
)

// SQLiteStore is the embedded default backend. Writes are serialized per
// namespace with an in-process lock, which is the single-writer model the
// rest of the system assumes.
type SQLiteStore struct {
	conn    *sql.DB
	nsLocks sync.Map // namespace -> *sync.Mutex
	logger  *zap.Logger
}

// OpenSQLite opens (or creates) a SQLite store with WAL mode enabled.
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{conn: conn, logger: logger.Get()}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			ns         TEXT NOT NULL,
			id         TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (ns, id)
		);
		CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(ns, type);

		CREATE TABLE IF NOT EXISTS relations (
			ns       TEXT NOT NULL,
			from_id  TEXT NOT NULL,
			relation TEXT NOT NULL,
			to_id    TEXT NOT NULL,
			metadata TEXT,
			PRIMARY KEY (ns, from_id, relation, to_id)
		);
		CREATE INDEX IF NOT EXISTS idx_relations_from ON relations(ns, from_id);
		CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(ns, to_id);
	`)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

// nsLock returns the mutex serializing writes to one namespace.
func (s *SQLiteStore) nsLock(ns string) *sync.Mutex {
	mu, _ := s.nsLocks.LoadOrStore(ns, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *SQLiteStore) Insert(ctx context.Context, ns, id, entityType string, data map[string]any) (*Record, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}

	var exists int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE ns = ? AND id = ?", ns, id).Scan(&exists)
	if err != nil {
		return nil, loomerrors.NewStoreError("insert", err)
	}
	if exists > 0 {
		return nil, loomerrors.NewConflictError(id)
	}

	doc, err := marshalDoc(data)
	if err != nil {
		return nil, loomerrors.NewStoreError("insert", err)
	}
	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO entities (ns, id, type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ns, id, entityType, doc, ts, ts)
	if err != nil {
		return nil, loomerrors.NewStoreError("insert", err)
	}

	s.logger.Debug("record inserted",
		zap.String("ns", ns),
		zap.String("id", id),
		zap.String("type", entityType),
	)

	return &Record{ID: id, Type: entityType, Data: cloneDoc(data), CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, ns, id string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, type, data, created_at, updated_at
		FROM entities WHERE ns = ? AND id = ?
	`, ns, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, loomerrors.NewNotFoundError(id)
	}
	if err != nil {
		return nil, loomerrors.NewStoreError("get", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, ns, id string, patch map[string]any) (*Record, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.Get(ctx, ns, id)
	if err != nil {
		return nil, err
	}

	// Shallow merge: keys absent from the patch are preserved.
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

	_, err = s.conn.ExecContext(ctx, `
		UPDATE entities SET data = ?, updated_at = ? WHERE ns = ? AND id = ?
	`, doc, now.Format(time.RFC3339Nano), ns, id)
	if err != nil {
		return nil, loomerrors.NewStoreError("update", err)
	}

	existing.Data = merged
	existing.UpdatedAt = now
	return existing, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ns, id string) (bool, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.conn.ExecContext(ctx, "DELETE FROM entities WHERE ns = ? AND id = ?", ns, id)
	if err != nil {
		return false, loomerrors.NewStoreError("delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, loomerrors.NewStoreError("delete", err)
	}

	// Cascading cleanup: every relation row touching the record goes too,
	// regardless of direction.
	_, err = s.conn.ExecContext(ctx, `
		DELETE FROM relations WHERE ns = ? AND (from_id = ? OR to_id = ?)
	`, ns, id, id)
	if err != nil {
		return false, loomerrors.NewStoreError("delete", err)
	}

	return affected > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context, ns string, opts ListOptions) ([]*Record, error) {
	query := "SELECT id, type, data, created_at, updated_at FROM entities WHERE ns = ?"
	args := []any{ns}
	if opts.Type != "" {
		query += " AND type = ?"
		args = append(args, opts.Type)
	}
	query += " ORDER BY rowid"

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loomerrors.NewStoreError("list", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, loomerrors.NewStoreError("list", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, loomerrors.NewStoreError("list", err)
	}
	return records, nil
}

func (s *SQLiteStore) Relate(ctx context.Context, ns string, rel Relation) (*Relation, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	var meta any
	if rel.Metadata != nil {
		doc, err := json.Marshal(rel.Metadata)
		if err != nil {
			return nil, loomerrors.NewStoreError("relate", err)
		}
		meta = string(doc)
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO relations (ns, from_id, relation, to_id, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ns, from_id, relation, to_id) DO UPDATE SET metadata = excluded.metadata
	`, ns, rel.FromID, rel.Relation, rel.ToID, meta)
	if err != nil {
		return nil, loomerrors.NewStoreError("relate", err)
	}

	out := rel
	out.Metadata = cloneDoc(rel.Metadata)
	return &out, nil
}

func (s *SQLiteStore) Unrelate(ctx context.Context, ns, fromID, relation, toID string) (bool, error) {
	mu := s.nsLock(ns)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.conn.ExecContext(ctx, `
		DELETE FROM relations WHERE ns = ? AND from_id = ? AND relation = ? AND to_id = ?
	`, ns, fromID, relation, toID)
	if err != nil {
		return false, loomerrors.NewStoreError("unrelate", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, loomerrors.NewStoreError("unrelate", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) QueryRelations(ctx context.Context, ns string, f RelationFilter) ([]*Relation, error) {
	query := "SELECT from_id, relation, to_id, metadata FROM relations WHERE ns = ?"
	args := []any{ns}
	if f.FromID != "" {
		query += " AND from_id = ?"
		args = append(args, f.FromID)
	}
	if f.ToID != "" {
		query += " AND to_id = ?"
		args = append(args, f.ToID)
	}
	if f.Relation != "" {
		query += " AND relation = ?"
		args = append(args, f.Relation)
	}
	query += " ORDER BY rowid"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loomerrors.NewStoreError("query relations", err)
	}
	defer rows.Close()

	rels := []*Relation{}
	for rows.Next() {
		var rel Relation
		var meta sql.NullString
		if err := rows.Scan(&rel.FromID, &rel.Relation, &rel.ToID, &meta); err != nil {
			return nil, loomerrors.NewStoreError("query relations", err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &rel.Metadata); err != nil {
				return nil, loomerrors.NewStoreError("query relations", err)
			}
		}
		rels = append(rels, &rel)
	}
	if err := rows.Err(); err != nil {
		return nil, loomerrors.NewStoreError("query relations", err)
	}
	return rels, nil
}

func (s *SQLiteStore) Traverse(ctx context.Context, ns string, q TraverseQuery) ([]*Record, error) {
	if err := validateTraverse(q); err != nil {
		return nil, err
	}

	reverse := q.FromID == ""
	current := []string{q.FromID}
	if reverse {
		current = []string{q.ToID}
	}

	for _, relation := range q.Relations {
		if len(current) == 0 {
			break
		}
		srcCol, dstCol := "from_id", "to_id"
		if reverse {
			srcCol, dstCol = "to_id", "from_id"
		}
		query := fmt.Sprintf(
			"SELECT %s FROM relations WHERE ns = ? AND relation = ? AND %s IN (%s) ORDER BY rowid",
			dstCol, srcCol, placeholders(len(current)),
		)
		args := make([]any, 0, len(current)+2)
		args = append(args, ns, relation)
		for _, id := range current {
			args = append(args, id)
		}

		rows, err := s.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, loomerrors.NewStoreError("traverse", err)
		}
		next := []string{}
		seen := map[string]bool{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, loomerrors.NewStoreError("traverse", err)
			}
			if !seen[id] {
				seen[id] = true
				next = append(next, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, loomerrors.NewStoreError("traverse", err)
		}
		rows.Close()
		current = next
	}

	if len(current) == 0 {
		return []*Record{}, nil
	}

	query := fmt.Sprintf(
		"SELECT id, type, data, created_at, updated_at FROM entities WHERE ns = ? AND id IN (%s)",
		placeholders(len(current)),
	)
	args := make([]any, 0, len(current)+2)
	args = append(args, ns)
	for _, id := range current {
		args = append(args, id)
	}
	if q.Type != "" {
		query += " AND type = ?"
		args = append(args, q.Type)
	}
	query += " ORDER BY rowid"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loomerrors.NewStoreError("traverse", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, loomerrors.NewStoreError("traverse", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, loomerrors.NewStoreError("traverse", err)
	}
	return records, nil
}

// Helpers

func validateTraverse(q TraverseQuery) error {
	if (q.FromID == "") == (q.ToID == "") {
		return loomerrors.NewStoreError("traverse", fmt.Errorf("exactly one of from_id/to_id must be set"))
	}
	if len(q.Relations) == 0 {
		return loomerrors.NewStoreError("traverse", fmt.Errorf("at least one relation name is required"))
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// scanRecord scans a row into a Record. The row must have the five columns
// in standard order.
func scanRecord(scanner interface{ Scan(dest ...any) error }) (*Record, error) {
	var rec Record
	var doc, createdAt, updatedAt string
	if err := scanner.Scan(&rec.ID, &rec.Type, &doc, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &rec.Data); err != nil {
		return nil, err
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func marshalDoc(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	doc, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(doc), nil
}

func cloneDoc(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
