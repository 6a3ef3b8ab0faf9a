// Package mysqlstore is a MySQL/MariaDB-backed EntityStore for
// deployments that already operate MySQL and want a durable, multi-process
// peer to sqlitestore rather than the HTTP-backed production store.
package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/arke-labs/klados-cluster/internal/entity"
	"github.com/arke-labs/klados-cluster/internal/entitystore"
)

// Store is a MySQL implementation of entitystore.Store.
//
// DSN format: user:password@tcp(host:port)/dbname?parseTime=true. Never
// hardcode credentials; read the DSN from ARKE_ENTITYSTORE_MYSQL_DSN.
type Store struct {
	db *sql.DB
}

// Open connects to MySQL and ensures the entities table exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS entities (
			id VARCHAR(191) PRIMARY KEY,
			type VARCHAR(191) NOT NULL,
			layer INT NOT NULL DEFAULT 0,
			properties JSON NOT NULL,
			relationships JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_entities_layer_type (layer, type)
		) ENGINE=InnoDB`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("mysqlstore: create entities table: %w", err)
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
		return "", fmt.Errorf("mysqlstore: marshal properties: %w", err)
	}
	rels, err := json.Marshal(e.Relationships)
	if err != nil {
		return "", fmt.Errorf("mysqlstore: marshal relationships: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, type, layer, properties, relationships) VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE type=VALUES(type), layer=VALUES(layer), properties=VALUES(properties), relationships=VALUES(relationships)`,
		e.ID, e.Type, e.Layer(), string(props), string(rels))
	if err != nil {
		return "", fmt.Errorf("mysqlstore: insert entity: %w", err)
	}
	return e.ID, nil
}

// AdditiveUpdate implements entitystore.Store. Each update runs inside a
// transaction with SELECT ... FOR UPDATE to linearise concurrent merges
// server-side.
func (s *Store) AdditiveUpdate(ctx context.Context, updates []entitystore.Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysqlstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range updates {
		var e entity.Entity
		row := tx.QueryRowContext(ctx, "SELECT id, type, properties, relationships FROM entities WHERE id = ? FOR UPDATE", u.EntityID)
		e, err = scanEntity(row)
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
			return fmt.Errorf("mysqlstore: marshal properties: %w", err)
		}
		rels, err := json.Marshal(e.Relationships)
		if err != nil {
			return fmt.Errorf("mysqlstore: marshal relationships: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (id, type, layer, properties, relationships) VALUES (?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE layer=VALUES(layer), properties=VALUES(properties), relationships=VALUES(relationships)`,
			e.ID, e.Type, e.Layer(), string(props), string(rels))
		if err != nil {
			return fmt.Errorf("mysqlstore: upsert entity %s: %w", u.EntityID, err)
		}
	}
	return tx.Commit()
}

// MembersOf implements entitystore.Store.
func (s *Store) MembersOf(ctx context.Context, leaderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM entities WHERE JSON_CONTAINS(relationships, JSON_OBJECT('predicate', ?, 'peer', ?))`,
		entity.PredSummarizedBy, leaderID)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: members of: %w", err)
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
		return nil, fmt.Errorf("mysqlstore: by layer: %w", err)
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
// write, replacing entityID's summarized_by edge inside a transaction with
// SELECT ... FOR UPDATE (see entitystore.Store.ReassignSummarizedBy for why
// this exception exists).
func (s *Store) ReassignSummarizedBy(ctx context.Context, entityID, newLeaderID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysqlstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var e entity.Entity
	row := tx.QueryRowContext(ctx, "SELECT id, type, properties, relationships FROM entities WHERE id = ? FOR UPDATE", entityID)
	e, err = scanEntity(row)
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
		return fmt.Errorf("mysqlstore: marshal relationships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE entities SET relationships = ? WHERE id = ?", string(rels), entityID); err != nil {
		return fmt.Errorf("mysqlstore: reassign summarized_by: %w", err)
	}
	return tx.Commit()
}

func scanEntity(row *sql.Row) (entity.Entity, error) {
	var id, typ, propsJSON, relsJSON string
	if err := row.Scan(&id, &typ, &propsJSON, &relsJSON); err != nil {
		if err == sql.ErrNoRows {
			return entity.Entity{}, entitystore.ErrNotFound
		}
		return entity.Entity{}, fmt.Errorf("mysqlstore: scan entity: %w", err)
	}
	var e entity.Entity
	e.ID, e.Type = id, typ
	if err := json.Unmarshal([]byte(propsJSON), &e.Properties); err != nil {
		return entity.Entity{}, fmt.Errorf("mysqlstore: unmarshal properties: %w", err)
	}
	if err := json.Unmarshal([]byte(relsJSON), &e.Relationships); err != nil {
		return entity.Entity{}, fmt.Errorf("mysqlstore: unmarshal relationships: %w", err)
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
