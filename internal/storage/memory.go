package storage

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStorage is an in-memory storage backend.
type MemoryStorage struct {
	entities   map[string]*EntityData
	childIndex map[string][]string // parentID -> childIDs
	mu         sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entities:   make(map[string]*EntityData),
		childIndex: make(map[string][]string),
	}
}

// Store persists an entity to memory.
func (m *MemoryStorage) Store(e *EntityData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(e)
	return nil
}

func (m *MemoryStorage) storeLocked(e *EntityData) {
	existing, exists := m.entities[e.ID]
	if exists && existing.ParentID != e.ParentID {
		m.removeFromChildIndex(existing.ParentID, e.ID)
	}
	m.entities[e.ID] = copyEntity(e)
	if e.ParentID != "" && (!exists || existing.ParentID != e.ParentID) {
		m.childIndex[e.ParentID] = append(m.childIndex[e.ParentID], e.ID)
	}
}

// Load retrieves an entity from memory.
func (m *MemoryStorage) Load(id string) (*EntityData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, notFound(id)
	}
	return copyEntity(e), nil
}

// Delete removes an entity and its descendants from memory.
func (m *MemoryStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(id)
	return nil
}

func (m *MemoryStorage) deleteLocked(id string) {
	e, ok := m.entities[id]
	if !ok {
		return
	}
	if e.ParentID != "" {
		m.removeFromChildIndex(e.ParentID, id)
	}
	m.deleteRecursive(id)
}

// deleteRecursive deletes an entity and its children (must be called with lock held).
func (m *MemoryStorage) deleteRecursive(id string) {
	childIDs := m.childIndex[id]
	delete(m.childIndex, id)
	delete(m.entities, id)

	for _, childID := range childIDs {
		m.deleteRecursive(childID)
	}
}

// removeFromChildIndex removes a child from its parent's child index.
func (m *MemoryStorage) removeFromChildIndex(parentID, childID string) {
	children := m.childIndex[parentID]
	for i, id := range children {
		if id == childID {
			m.childIndex[parentID] = append(children[:i], children[i+1:]...)
			break
		}
	}
	if len(m.childIndex[parentID]) == 0 {
		delete(m.childIndex, parentID)
	}
}

// LoadChildren gets all child entities of a parent, ordered by id.
func (m *MemoryStorage) LoadChildren(parentID string) ([]*EntityData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	childIDs := m.childIndex[parentID]
	children := make([]*EntityData, 0, len(childIDs))
	for _, id := range childIDs {
		if e, ok := m.entities[id]; ok {
			children = append(children, copyEntity(e))
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

// Exists checks if an entity exists.
func (m *MemoryStorage) Exists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entities[id]
	return ok
}

// Clear removes all data.
func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entities = make(map[string]*EntityData)
	m.childIndex = make(map[string][]string)
	return nil
}

// BeginTransaction starts an atomic operation.
func (m *MemoryStorage) BeginTransaction() (Transaction, error) {
	return &memoryTransaction{storage: m}, nil
}

// Close closes the storage backend.
func (m *MemoryStorage) Close() error {
	return nil
}

// Count returns the number of stored entities.
func (m *MemoryStorage) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

func copyEntity(e *EntityData) *EntityData {
	cp := *e
	cp.Value = append([]byte(nil), e.Value...)
	return &cp
}

// memoryTransaction implements Transaction for MemoryStorage. Operations
// are replayed in order on commit.
type memoryTransaction struct {
	storage *MemoryStorage
	ops     []func()
	done    bool
}

// Store queues an entity to be stored.
func (tx *memoryTransaction) Store(e *EntityData) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	e = copyEntity(e)
	tx.ops = append(tx.ops, func() { tx.storage.storeLocked(e) })
	return nil
}

// Delete queues an entity to be deleted.
func (tx *memoryTransaction) Delete(id string) error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.ops = append(tx.ops, func() { tx.storage.deleteLocked(id) })
	return nil
}

// Commit applies all queued operations atomically.
func (tx *memoryTransaction) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true

	tx.storage.mu.Lock()
	defer tx.storage.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return nil
}

// Rollback discards all queued operations.
func (tx *memoryTransaction) Rollback() error {
	tx.done = true
	tx.ops = nil
	return nil
}
