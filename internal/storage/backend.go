// Package storage persists the entities of a simulated base.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load for a missing entity.
var ErrNotFound = errors.New("entity not found")

// Entity kinds.
const (
	KindBase   = "base"
	KindTable  = "table"
	KindField  = "field"
	KindView   = "view"
	KindRecord = "record"
	KindCursor = "cursor"
)

// EntityData is one stored entity. Value holds the entity's own properties;
// children are stored as separate entities pointing at their parent.
type EntityData struct {
	ID       string          `json:"id"`
	ParentID string          `json:"parentId,omitempty"`
	Kind     string          `json:"kind"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Backend defines the interface for storage backends.
type Backend interface {
	// Store persists an entity, replacing any entity with the same id.
	Store(e *EntityData) error

	// Load retrieves an entity.
	Load(id string) (*EntityData, error)

	// Delete removes an entity and its descendants.
	Delete(id string) error

	// LoadChildren gets all child entities of a parent.
	LoadChildren(parentID string) ([]*EntityData, error)

	// Exists checks if an entity exists.
	Exists(id string) bool

	// Clear removes all data.
	Clear() error

	// BeginTransaction starts an atomic operation.
	BeginTransaction() (Transaction, error)

	// Close closes the storage backend.
	Close() error
}

// Transaction represents an atomic storage operation.
type Transaction interface {
	// Store persists an entity within the transaction.
	Store(e *EntityData) error

	// Delete removes an entity within the transaction.
	Delete(id string) error

	// Commit completes the transaction.
	Commit() error

	// Rollback cancels the transaction.
	Rollback() error
}

// Open creates the backend named by kind: memory, sqlite, postgresql or
// badger. path is used by sqlite and badger, url by postgresql.
func Open(kind, path, url string) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(path)
	case "postgresql", "postgres":
		return NewPostgresStorage(url)
	case "badger":
		return NewBadgerStorage(path)
	}
	return nil, fmt.Errorf("unknown storage type %q", kind)
}

func notFound(id string) error {
	return fmt.Errorf("entity %s: %w", id, ErrNotFound)
}
