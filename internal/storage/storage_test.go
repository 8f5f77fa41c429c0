package storage

import (
	"encoding/json"
	"errors"
	"testing"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	b, err := NewBadgerStorage("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return map[string]Backend{
		"memory": NewMemoryStorage(),
		"badger": b,
	}
}

func entity(id, parent, kind, value string) *EntityData {
	e := &EntityData{ID: id, ParentID: parent, Kind: kind}
	if value != "" {
		e.Value = json.RawMessage(value)
	}
	return e
}

func TestStoreLoad(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.Store(entity("tbl1", "app1", KindTable, `{"name":"Tasks"}`)); err != nil {
				t.Fatalf("store: %v", err)
			}
			got, err := b.Load("tbl1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if got.Kind != KindTable || got.ParentID != "app1" || string(got.Value) != `{"name":"Tasks"}` {
				t.Errorf("unexpected entity %+v", got)
			}
			if _, err := b.Load("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDeleteIsRecursive(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b.Store(entity("app1", "", KindBase, `{}`))
			b.Store(entity("tbl1", "app1", KindTable, `{}`))
			b.Store(entity("rec1", "tbl1", KindRecord, `{}`))
			b.Store(entity("rec2", "tbl1", KindRecord, `{}`))

			children, err := b.LoadChildren("tbl1")
			if err != nil || len(children) != 2 {
				t.Fatalf("expected 2 children, got %d (%v)", len(children), err)
			}
			if children[0].ID != "rec1" || children[1].ID != "rec2" {
				t.Errorf("children not ordered by id: %s, %s", children[0].ID, children[1].ID)
			}

			if err := b.Delete("tbl1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			for _, id := range []string{"tbl1", "rec1", "rec2"} {
				if b.Exists(id) {
					t.Errorf("%s should be gone", id)
				}
			}
			if !b.Exists("app1") {
				t.Error("parent should survive")
			}
			rest, _ := b.LoadChildren("app1")
			if len(rest) != 0 {
				t.Errorf("child index still lists %d entities", len(rest))
			}
		})
	}
}

func TestTransaction(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b.Store(entity("rec1", "tbl1", KindRecord, `{}`))

			tx, err := b.BeginTransaction()
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			tx.Store(entity("rec2", "tbl1", KindRecord, `{}`))
			tx.Delete("rec1")
			tx.Rollback()
			if !b.Exists("rec1") || b.Exists("rec2") {
				t.Fatal("rollback should leave storage untouched")
			}

			tx, _ = b.BeginTransaction()
			tx.Store(entity("rec2", "tbl1", KindRecord, `{}`))
			tx.Delete("rec1")
			if err := tx.Commit(); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if b.Exists("rec1") || !b.Exists("rec2") {
				t.Error("commit should apply both operations")
			}
		})
	}
}

func TestReparent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b.Store(entity("x", "a", KindRecord, ""))
			b.Store(entity("x", "b", KindRecord, ""))
			if kids, _ := b.LoadChildren("a"); len(kids) != 0 {
				t.Errorf("old parent still lists x")
			}
			if kids, _ := b.LoadChildren("b"); len(kids) != 1 {
				t.Errorf("new parent should list x")
			}
		})
	}
}

func TestOpen(t *testing.T) {
	b, err := Open("memory", "", "")
	if err != nil {
		t.Fatal(err)
	}
	b.Close()
	if _, err := Open("floppy", "", ""); err == nil {
		t.Error("expected error for unknown type")
	}
}
