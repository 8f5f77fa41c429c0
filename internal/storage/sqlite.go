package storage

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteDeleteTree = `
	WITH RECURSIVE doomed(id) AS (
		SELECT id FROM entities WHERE id = ?
		UNION ALL
		SELECT e.id FROM entities e JOIN doomed d ON e.parent_id = d.id
	)
	DELETE FROM entities WHERE id IN (SELECT id FROM doomed)`

const sqliteUpsert = `
	INSERT OR REPLACE INTO entities (id, parent_id, kind, value)
	VALUES (?, ?, ?, ?)`

// SQLiteStorage is a SQLite storage backend.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage backend.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			parent_id TEXT DEFAULT '',
			kind TEXT NOT NULL,
			value TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_entities_parent_id ON entities(parent_id);
	`)
	return err
}

// Store persists an entity to SQLite.
func (s *SQLiteStorage) Store(e *EntityData) error {
	_, err := s.db.Exec(sqliteUpsert, e.ID, e.ParentID, e.Kind, valueText(e.Value))
	return err
}

// Load retrieves an entity from SQLite.
func (s *SQLiteStorage) Load(id string) (*EntityData, error) {
	var parentID, kind string
	var value sql.NullString

	err := s.db.QueryRow(`
		SELECT parent_id, kind, value
		FROM entities WHERE id = ?
	`, id).Scan(&parentID, &kind, &value)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	return &EntityData{ID: id, ParentID: parentID, Kind: kind, Value: rawValue(value)}, nil
}

// Delete removes an entity and its descendants from SQLite.
func (s *SQLiteStorage) Delete(id string) error {
	_, err := s.db.Exec(sqliteDeleteTree, id)
	return err
}

// LoadChildren gets all child entities of a parent.
func (s *SQLiteStorage) LoadChildren(parentID string) ([]*EntityData, error) {
	rows, err := s.db.Query(`
		SELECT id, parent_id, kind, value
		FROM entities WHERE parent_id = ? ORDER BY id
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

// Exists checks if an entity exists.
func (s *SQLiteStorage) Exists(id string) bool {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM entities WHERE id = ?", id).Scan(&count)
	return err == nil && count > 0
}

// Clear removes all data.
func (s *SQLiteStorage) Clear() error {
	_, err := s.db.Exec("DELETE FROM entities")
	return err
}

// BeginTransaction starts an atomic operation.
func (s *SQLiteStorage) BeginTransaction() (Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &sqlTransaction{tx: tx, upsert: sqliteUpsert, deleteTree: sqliteDeleteTree}, nil
}

// Close closes the storage backend.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// sqlTransaction implements Transaction for the SQL backends.
type sqlTransaction struct {
	tx         *sql.Tx
	upsert     string
	deleteTree string
}

// Store persists an entity within the transaction.
func (t *sqlTransaction) Store(e *EntityData) error {
	_, err := t.tx.Exec(t.upsert, e.ID, e.ParentID, e.Kind, valueText(e.Value))
	return err
}

// Delete removes an entity and its descendants within the transaction.
func (t *sqlTransaction) Delete(id string) error {
	_, err := t.tx.Exec(t.deleteTree, id)
	return err
}

// Commit completes the transaction.
func (t *sqlTransaction) Commit() error {
	return t.tx.Commit()
}

// Rollback cancels the transaction.
func (t *sqlTransaction) Rollback() error {
	return t.tx.Rollback()
}

func valueText(v []byte) string {
	if len(v) == 0 {
		return "null"
	}
	return string(v)
}

func rawValue(v sql.NullString) []byte {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil
	}
	return []byte(v.String)
}

func scanEntities(rows *sql.Rows) ([]*EntityData, error) {
	var entities []*EntityData
	for rows.Next() {
		var e EntityData
		var value sql.NullString
		if err := rows.Scan(&e.ID, &e.ParentID, &e.Kind, &value); err != nil {
			return nil, err
		}
		e.Value = rawValue(value)
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}
