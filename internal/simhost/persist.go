package simhost

import (
	"encoding/json"
	"fmt"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/storage"
)

// A base is stored as one entity per base, cursor, table, field, view and
// record. Child entity ids are qualified by their table so that ids only
// unique within a table stay distinct.

func cursorEntityID(baseID string) string { return baseID + "/cursor" }

func childEntityID(tableID, kind, id string) string { return tableID + "/" + kind + "/" + id }

var childKinds = map[string]string{
	path.KeyFields:  storage.KindField,
	path.KeyViews:   storage.KindView,
	path.KeyRecords: storage.KindRecord,
}

func entity(id, parent, kind string, value any) (*storage.EntityData, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return &storage.EntityData{ID: id, ParentID: parent, Kind: kind, Value: data}, nil
}

// without returns a shallow copy of m lacking keys.
func without(m map[string]any, keys ...string) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	for _, k := range keys {
		delete(cp, k)
	}
	return cp
}

func baseEntities(base map[string]any) ([]*storage.EntityData, error) {
	id, _ := base[path.KeyID].(string)
	var out []*storage.EntityData
	e, err := entity(id, "", storage.KindBase, without(base, path.KeyTables, path.KeyCursor))
	if err != nil {
		return nil, err
	}
	out = append(out, e)
	if cursor, ok := base[path.KeyCursor].(map[string]any); ok {
		e, err := entity(cursorEntityID(id), id, storage.KindCursor, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	tables, _ := base[path.KeyTables].(map[string]any)
	for _, tid := range datatree.SortedKeys(tables) {
		t, _ := tables[tid].(map[string]any)
		es, err := tableEntities(id, tid, t)
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

func tableEntities(baseID, tid string, t map[string]any) ([]*storage.EntityData, error) {
	e, err := entity(tid, baseID, storage.KindTable, without(t, path.KeyFields, path.KeyViews, path.KeyRecords))
	if err != nil {
		return nil, err
	}
	out := []*storage.EntityData{e}
	for _, key := range []string{path.KeyFields, path.KeyViews, path.KeyRecords} {
		children, _ := t[key].(map[string]any)
		for _, id := range datatree.SortedKeys(children) {
			e, err := entity(childEntityID(tid, childKinds[key], id), tid, childKinds[key], children[id])
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// SaveBase replaces the stored base with base.
func SaveBase(store storage.Backend, base map[string]any) error {
	entities, err := baseEntities(base)
	if err != nil {
		return err
	}
	tx, err := store.BeginTransaction()
	if err != nil {
		return err
	}
	if err := tx.Delete(entities[0].ID); err != nil {
		tx.Rollback()
		return err
	}
	for _, e := range entities {
		if err := tx.Store(e); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SaveChanges stores the entities touched by changes, reading their new
// state from tree.
func SaveChanges(store storage.Backend, tree *datatree.Tree, changes []delta.Change) error {
	baseID := tree.String(path.Path{path.KeyID})
	type target struct{ kind, table, key, id string }
	seen := make(map[target]bool)
	var targets []target
	add := func(t target) {
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	for _, c := range changes {
		p := c.Path
		switch {
		case len(p) == 0 || (p[0] == path.KeyTables && len(p) == 1):
			return SaveBase(store, tree.Snapshot())
		case p[0] == path.KeyCursor:
			add(target{kind: storage.KindCursor})
		case p[0] != path.KeyTables:
			add(target{kind: storage.KindBase})
		case len(p) == 2 || (len(p) == 3 && childKinds[p[2]] != ""):
			add(target{kind: "tableTree", table: p[1]})
		case len(p) >= 4 && childKinds[p[2]] != "":
			add(target{kind: childKinds[p[2]], table: p[1], key: p[2], id: p[3]})
		default:
			add(target{kind: storage.KindTable, table: p[1]})
		}
	}

	tx, err := store.BeginTransaction()
	if err != nil {
		return err
	}
	fail := func(err error) error {
		tx.Rollback()
		return err
	}
	for _, t := range targets {
		var entities []*storage.EntityData
		var gone string
		switch t.kind {
		case storage.KindBase:
			base := tree.Snapshot()
			e, err := entity(baseID, "", storage.KindBase, without(base, path.KeyTables, path.KeyCursor))
			if err != nil {
				return fail(err)
			}
			entities = append(entities, e)
		case storage.KindCursor:
			cursor := tree.Map(path.Cursor())
			if cursor == nil {
				gone = cursorEntityID(baseID)
				break
			}
			e, err := entity(cursorEntityID(baseID), baseID, storage.KindCursor, cursor)
			if err != nil {
				return fail(err)
			}
			entities = append(entities, e)
		case "tableTree":
			if err := tx.Delete(t.table); err != nil {
				return fail(err)
			}
			table := tree.Map(path.Table(t.table))
			if table == nil {
				break
			}
			es, err := tableEntities(baseID, t.table, table)
			if err != nil {
				return fail(err)
			}
			entities = es
		case storage.KindTable:
			table := tree.Map(path.Table(t.table))
			e, err := entity(t.table, baseID, storage.KindTable, without(table, path.KeyFields, path.KeyViews, path.KeyRecords))
			if err != nil {
				return fail(err)
			}
			entities = append(entities, e)
		default:
			id := childEntityID(t.table, t.kind, t.id)
			node, ok := tree.Get(path.Table(t.table).Child(t.key).Child(t.id))
			if !ok {
				gone = id
				break
			}
			e, err := entity(id, t.table, t.kind, node)
			if err != nil {
				return fail(err)
			}
			entities = append(entities, e)
		}
		if gone != "" {
			if err := tx.Delete(gone); err != nil {
				return fail(err)
			}
		}
		for _, e := range entities {
			if err := tx.Store(e); err != nil {
				return fail(err)
			}
		}
	}
	return tx.Commit()
}

// LoadBase reads a stored base.
func LoadBase(store storage.Backend, baseID string) (map[string]any, error) {
	root, err := store.Load(baseID)
	if err != nil {
		return nil, err
	}
	base, err := decode(root)
	if err != nil {
		return nil, err
	}
	tables := make(map[string]any)
	children, err := store.LoadChildren(baseID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		value, err := decode(child)
		if err != nil {
			return nil, err
		}
		switch child.Kind {
		case storage.KindCursor:
			base[path.KeyCursor] = value
		case storage.KindTable:
			if err := loadTableChildren(store, child.ID, value); err != nil {
				return nil, err
			}
			tables[child.ID] = value
		}
	}
	base[path.KeyTables] = tables
	return base, nil
}

func loadTableChildren(store storage.Backend, tableID string, table map[string]any) error {
	children, err := store.LoadChildren(tableID)
	if err != nil {
		return err
	}
	groups := map[string]map[string]any{
		storage.KindField:  {},
		storage.KindView:   {},
		storage.KindRecord: {},
	}
	for _, child := range children {
		value, err := decode(child)
		if err != nil {
			return err
		}
		id, _ := value[path.KeyID].(string)
		if group, ok := groups[child.Kind]; ok && id != "" {
			group[id] = value
		}
	}
	table[path.KeyFields] = groups[storage.KindField]
	table[path.KeyViews] = groups[storage.KindView]
	table[path.KeyRecords] = groups[storage.KindRecord]
	return nil
}

func decode(e *storage.EntityData) (map[string]any, error) {
	var value map[string]any
	if len(e.Value) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(e.Value, &value); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", e.Kind, e.ID, err)
	}
	if value == nil {
		value = map[string]any{}
	}
	return value, nil
}
