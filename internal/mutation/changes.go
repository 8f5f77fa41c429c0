package mutation

import (
	"time"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
)

// Changes returns the changes that apply a validated mutation to tree,
// including the integrity rewrites a host performs: view field orders and
// visible record lists, cell values of deleted fields, and the cursor
// selection. Only subtrees present in tree are rewritten, so a client tree
// receives exactly the part of the host's update it is subscribed to.
func Changes(tree *datatree.Tree, m Mutation) ([]delta.Change, error) {
	table := m.TableID()
	var changes []delta.Change

	switch v := m.(type) {
	case SetCellValues:
		for _, rec := range v.Records {
			cells, err := normalizeCells(tree, table, rec.ID, rec.CellValues)
			if err != nil {
				return nil, err
			}
			for _, fieldID := range datatree.SortedKeys(cells) {
				p := path.CellValue(table, rec.ID, fieldID)
				if cells[fieldID] == nil {
					changes = append(changes, delta.Remove(p))
				} else {
					changes = append(changes, delta.Set(p, cells[fieldID]))
				}
			}
		}

	case CreateRecords:
		ids := make([]string, 0, len(v.Records))
		for _, rec := range v.Records {
			cells, err := normalizeCells(tree, table, rec.ID, rec.CellValues)
			if err != nil {
				return nil, err
			}
			for id, value := range cells {
				if value == nil {
					delete(cells, id)
				}
			}
			created := rec.CreatedTime
			if created == "" {
				created = time.Now().UTC().Format(time.RFC3339Nano)
			}
			changes = append(changes, delta.Set(path.Record(table, rec.ID), map[string]any{
				path.KeyID:           rec.ID,
				path.KeyCreatedTime:  created,
				path.KeyCommentCount: 0.0,
				path.KeyCellValues:   cells,
			}))
			ids = append(ids, rec.ID)
		}
		for _, viewID := range tree.Keys(path.Table(table).Child(path.KeyViews)) {
			p := path.VisibleRecordIDs(table, viewID)
			if !tree.Exists(p) {
				continue
			}
			visible := append(tree.Strings(p), ids...)
			changes = append(changes, delta.Set(p, datatree.AnyList(visible)))
		}

	case DeleteRecords:
		gone := make(map[string]bool, len(v.RecordIDs))
		for _, id := range v.RecordIDs {
			gone[id] = true
			changes = append(changes, delta.Remove(path.Record(table, id)))
		}
		for _, viewID := range tree.Keys(path.Table(table).Child(path.KeyViews)) {
			p := path.VisibleRecordIDs(table, viewID)
			if !tree.Exists(p) {
				continue
			}
			visible := tree.Strings(p)
			kept := visible[:0]
			for _, id := range visible {
				if !gone[id] {
					kept = append(kept, id)
				}
			}
			if len(kept) != len(visible) {
				changes = append(changes, delta.Set(p, datatree.AnyList(kept)))
			}
		}
		selected := path.Cursor().Child(path.KeySelectedRecords)
		for _, id := range v.RecordIDs {
			if tree.Exists(selected.Child(id)) {
				changes = append(changes, delta.Remove(selected.Child(id)))
			}
		}

	case CreateField:
		field := map[string]any{
			path.KeyID:          v.ID,
			path.KeyName:        v.Name,
			path.KeyType:        string(v.Type),
			path.KeyDescription: v.Description,
		}
		if v.Options != nil {
			field[path.KeyOptions] = v.Options
		}
		changes = append(changes, delta.Set(path.Field(table, v.ID), field))
		for _, viewID := range tree.Keys(path.Table(table).Child(path.KeyViews)) {
			order, ok := readFieldOrder(tree, table, viewID)
			if !ok {
				continue
			}
			if order.visible == len(order.ids) {
				order.visible++
			}
			order.ids = append(order.ids, v.ID)
			changes = append(changes, delta.Set(path.FieldOrder(table, viewID), order.value()))
		}

	case DeleteField:
		changes = append(changes, delta.Remove(path.Field(table, v.FieldID)))
		for _, viewID := range tree.Keys(path.Table(table).Child(path.KeyViews)) {
			order, ok := readFieldOrder(tree, table, viewID)
			if !ok {
				continue
			}
			if order.remove(v.FieldID) {
				changes = append(changes, delta.Set(path.FieldOrder(table, viewID), order.value()))
			}
		}
		for _, recordID := range tree.Keys(path.Records(table)) {
			p := path.CellValue(table, recordID, v.FieldID)
			if tree.Exists(p) {
				changes = append(changes, delta.Remove(p))
			}
		}
		selected := path.Cursor().Child(path.KeySelectedFields, v.FieldID)
		if tree.Exists(selected) {
			changes = append(changes, delta.Remove(selected))
		}

	case UpdateFieldName:
		changes = append(changes, delta.Set(path.Field(table, v.FieldID).Child(path.KeyName), v.Name))
	}
	return changes, nil
}

type fieldOrder struct {
	ids     []string
	visible int
}

func readFieldOrder(tree *datatree.Tree, table, viewID string) (*fieldOrder, bool) {
	p := path.FieldOrder(table, viewID)
	if !tree.Exists(p) {
		return nil, false
	}
	return &fieldOrder{
		ids:     tree.Strings(p.Child(path.KeyFieldIDs)),
		visible: int(tree.Number(p.Child(path.KeyVisibleCount))),
	}, true
}

// remove drops id. The visible count shrinks when a field before the last
// visible one is removed; removing the last visible field lets the next
// hidden field move into view. The count never exceeds the field count.
func (o *fieldOrder) remove(id string) bool {
	for i, fid := range o.ids {
		if fid != id {
			continue
		}
		o.ids = append(o.ids[:i:i], o.ids[i+1:]...)
		if i < o.visible-1 {
			o.visible--
		}
		if o.visible > len(o.ids) {
			o.visible = len(o.ids)
		}
		return true
	}
	return false
}

func (o *fieldOrder) value() map[string]any {
	return map[string]any{
		path.KeyFieldIDs:     datatree.AnyList(o.ids),
		path.KeyVisibleCount: float64(o.visible),
	}
}
