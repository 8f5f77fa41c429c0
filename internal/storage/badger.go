package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
)

// Key layout:
//
//	e/<id>           entity JSON
//	c/<parent>/<id>  child index entry
const (
	entityPrefix = "e/"
	childPrefix  = "c/"
)

// glogBadger routes badger's logging to glog.
type glogBadger struct{}

func (glogBadger) Errorf(format string, args ...interface{})   { glog.Errorf(format, args...) }
func (glogBadger) Warningf(format string, args ...interface{}) { glog.Warningf(format, args...) }
func (glogBadger) Infof(format string, args ...interface{})    { glog.V(3).Infof(format, args...) }
func (glogBadger) Debugf(format string, args ...interface{})   { glog.V(4).Infof(format, args...) }

// BadgerStorage is an embedded key-value storage backend. An empty path
// keeps the data in memory.
type BadgerStorage struct {
	db *badger.DB
}

// NewBadgerStorage opens or creates a badger database at path.
func NewBadgerStorage(path string) (*BadgerStorage, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(glogBadger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStorage{db: db}, nil
}

func entityKey(id string) []byte {
	return []byte(entityPrefix + id)
}

func childKey(parentID, id string) []byte {
	return []byte(childPrefix + parentID + "/" + id)
}

func childrenPrefix(parentID string) []byte {
	return []byte(childPrefix + parentID + "/")
}

// Store persists an entity.
func (s *BadgerStorage) Store(e *EntityData) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return storeTxn(txn, e)
	})
}

func storeTxn(txn *badger.Txn, e *EntityData) error {
	if old, err := loadTxn(txn, e.ID); err == nil && old.ParentID != e.ParentID && old.ParentID != "" {
		if err := txn.Delete(childKey(old.ParentID, e.ID)); err != nil {
			return err
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := txn.Set(entityKey(e.ID), data); err != nil {
		return err
	}
	if e.ParentID != "" {
		return txn.Set(childKey(e.ParentID, e.ID), nil)
	}
	return nil
}

func loadTxn(txn *badger.Txn, id string) (*EntityData, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	var e EntityData
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Load retrieves an entity.
func (s *BadgerStorage) Load(id string) (*EntityData, error) {
	var e *EntityData
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = loadTxn(txn, id)
		return err
	})
	return e, err
}

// Delete removes an entity and its descendants.
func (s *BadgerStorage) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return deleteTxn(txn, id)
	})
}

func deleteTxn(txn *badger.Txn, id string) error {
	e, err := loadTxn(txn, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, child := range childIDsTxn(txn, id) {
		if err := deleteTxn(txn, child); err != nil {
			return err
		}
	}
	if e.ParentID != "" {
		if err := txn.Delete(childKey(e.ParentID, id)); err != nil {
			return err
		}
	}
	return txn.Delete(entityKey(id))
}

func childIDsTxn(txn *badger.Txn, parentID string) []string {
	prefix := childrenPrefix(parentID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, string(it.Item().Key()[len(prefix):]))
	}
	return ids
}

// LoadChildren gets all child entities of a parent, ordered by id.
func (s *BadgerStorage) LoadChildren(parentID string) ([]*EntityData, error) {
	var children []*EntityData
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range childIDsTxn(txn, parentID) {
			e, err := loadTxn(txn, id)
			if err != nil {
				return err
			}
			children = append(children, e)
		}
		return nil
	})
	return children, err
}

// Exists checks if an entity exists.
func (s *BadgerStorage) Exists(id string) bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(entityKey(id))
		return err
	})
	return err == nil
}

// Clear removes all data.
func (s *BadgerStorage) Clear() error {
	return s.db.DropAll()
}

// BeginTransaction starts an atomic operation.
func (s *BadgerStorage) BeginTransaction() (Transaction, error) {
	return &badgerTransaction{txn: s.db.NewTransaction(true)}, nil
}

// Close closes the storage backend.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

// badgerTransaction implements Transaction over a badger read-write txn.
type badgerTransaction struct {
	txn *badger.Txn
}

// Store persists an entity within the transaction.
func (t *badgerTransaction) Store(e *EntityData) error {
	return storeTxn(t.txn, e)
}

// Delete removes an entity and its descendants within the transaction.
func (t *badgerTransaction) Delete(id string) error {
	return deleteTxn(t.txn, id)
}

// Commit completes the transaction.
func (t *badgerTransaction) Commit() error {
	return t.txn.Commit()
}

// Rollback cancels the transaction.
func (t *badgerTransaction) Rollback() error {
	t.txn.Discard()
	return nil
}
