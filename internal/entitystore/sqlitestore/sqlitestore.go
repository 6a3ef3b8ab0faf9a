// Package sqlitestore is a SQLite-backed EntityStore, for local
// development and the CLI's --dry-run-free single-machine mode. It is not
// the production Entity Store (that is the external collaborator reached
// through internal/entitystore/httpstore) but gives the CLI and the test
// suite a durable single-file option without a server.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
)

// Store is a SQLite implementation of entitystore.Store.
//
// Schema:
//   - entities: one row per entity, properties/relationships as JSON text.
//
// WAL mode plus a single writer connection (modernc.org/sqlite, one
// writer at a time) keeps concurrent readers from blocking on writes
// without needing a separate external lock.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or attaches to a SQLite-backed entity store at path (use
// ":memory:" for an ephemeral store).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			layer INTEGER NOT NULL DEFAULT 0,
			properties TEXT NOT NULL,
			relationships TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitestore: create entities table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_entities_layer_type ON entities(layer, type)"); err != nil {
		return fmt.Errorf("sqlitestore: create layer/type index: %w", err)
	}
	return nil
}

// Get implements entitystore.Store.
func (s *Store) Get(ctx context.Context, id string) (entity.Entity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, type, properties, relationships FROM entities WHERE id = ?", id)
	return scanEntity(row)
}

// BatchGet implements entitystore.Store.
func (s *Store) BatchGet(ctx context.Context, ids []string) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err == entitystore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CreateWithRelationships implements entitystore.Store.
func (s *Store) CreateWithRelationships(ctx context.Context, e entity.Entity) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: marshal properties: %w", err)
	}
	rels, err := json.Marshal(e.Relationships)
	if err != nil {
		return "", fmt.Errorf("sqlitestore: marshal relationships: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, type, layer, properties, relationships) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET type=excluded.type, layer=excluded.layer, properties=excluded.properties, relationships=excluded.relationships`,
		e.ID, e.Type, e.Layer(), string(props), string(rels))
	if err != nil {
		return "", fmt.Errorf("sqlitestore: insert entity: %w", err)
	}
	return e.ID, nil
}

// AdditiveUpdate implements entitystore.Store. The whole batch runs in one
// transaction so a reader never observes a partially-applied merge.
func (s *Store) AdditiveUpdate(ctx context.Context, updates []entitystore.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		e, err := getTx(ctx, tx, u.EntityID)
		if err == entitystore.ErrNotFound {
			e = entity.Entity{ID: u.EntityID, Properties: make(map[string]any)}
		} else if err != nil {
			return err
		}
		if e.Properties == nil {
			e.Properties = make(map[string]any)
		}
		for k, v := range u.Properties {
			e.Properties[k] = v
		}
		for _, rel := range u.RelationshipsAdd {
			if !hasRelationship(e.Relationships, rel) {
				e.Relationships = append(e.Relationships, rel)
			}
		}
		props, err := json.Marshal(e.Properties)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal properties: %w", err)
		}
		rels, err := json.Marshal(e.Relationships)
		if err != nil {
			return fmt.Errorf("sqlitestore: marshal relationships: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (id, type, layer, properties, relationships) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET layer=excluded.layer, properties=excluded.properties, relationships=excluded.relationships`,
			e.ID, e.Type, e.Layer(), string(props), string(rels))
		if err != nil {
			return fmt.Errorf("sqlitestore: upsert entity %s: %w", u.EntityID, err)
		}
	}
	return tx.Commit()
}

// MembersOf implements entitystore.Store via a full-table scan filtered by
// relationship JSON containment. Adequate for single-machine/dev use; the
// production httpstore backend maintains a real incoming-edge index.
func (s *Store) MembersOf(ctx context.Context, leaderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, relationships FROM entities")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: scan for members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id, relsJSON string
		if err := rows.Scan(&id, &relsJSON); err != nil {
			return nil, err
		}
		var rels []entity.Relationship
		if err := json.Unmarshal([]byte(relsJSON), &rels); err != nil {
			continue
		}
		for _, r := range rels {
			if r.Predicate == entity.PredSummarizedBy && r.Peer == leaderID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, rows.Err()
}

// Delete implements entitystore.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id)
	return err
}

// ByLayer implements entitystore.Store.
func (s *Store) ByLayer(ctx context.Context, layer int, typ string) ([]string, error) {
	query := "SELECT id FROM entities WHERE layer = ?"
	args := []any{layer}
	if typ != "" {
		query += " AND type = ?"
		args = append(args, typ)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: by layer: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReassignSummarizedBy implements entitystore.Store: the one non-additive
// write, replacing entityID's summarized_by edge inside a transaction
// (see entitystore.Store.ReassignSummarizedBy for why this exception
// exists).
func (s *Store) ReassignSummarizedBy(ctx context.Context, entityID, newLeaderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	e, err := getTx(ctx, tx, entityID)
	if err != nil {
		return err
	}
	var kept []entity.Relationship
	for _, r := range e.Relationships {
		if r.Predicate != entity.PredSummarizedBy {
			kept = append(kept, r)
		}
	}
	if newLeaderID != "" {
		kept = append(kept, entity.Relationship{Predicate: entity.PredSummarizedBy, Peer: newLeaderID})
	}
	e.Relationships = kept

	rels, err := json.Marshal(e.Relationships)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal relationships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE entities SET relationships = ? WHERE id = ?", string(rels), entityID); err != nil {
		return fmt.Errorf("sqlitestore: reassign summarized_by: %w", err)
	}
	return tx.Commit()
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (entity.Entity, error) {
	row := tx.QueryRowContext(ctx, "SELECT id, type, properties, relationships FROM entities WHERE id = ?", id)
	return scanEntity(row)
}

func scanEntity(row *sql.Row) (entity.Entity, error) {
	var id, typ, propsJSON, relsJSON string
	if err := row.Scan(&id, &typ, &propsJSON, &relsJSON); err != nil {
		if err == sql.ErrNoRows {
			return entity.Entity{}, entitystore.ErrNotFound
		}
		return entity.Entity{}, fmt.Errorf("sqlitestore: scan entity: %w", err)
	}
	var e entity.Entity
	e.ID, e.Type = id, typ
	if err := json.Unmarshal([]byte(propsJSON), &e.Properties); err != nil {
		return entity.Entity{}, fmt.Errorf("sqlitestore: unmarshal properties: %w", err)
	}
	if err := json.Unmarshal([]byte(relsJSON), &e.Relationships); err != nil {
		return entity.Entity{}, fmt.Errorf("sqlitestore: unmarshal relationships: %w", err)
	}
	return e, nil
}

func hasRelationship(rels []entity.Relationship, rel entity.Relationship) bool {
	for _, r := range rels {
		if r.Predicate == rel.Predicate && r.Peer == rel.Peer {
			return true
		}
	}
	return false
}
