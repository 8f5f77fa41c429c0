package sdk

import (
	"context"
	"sort"

	"github.com/golang/glog"

	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/query"
)

// RecordStore holds the record models of one table and the order in which
// the session first saw each record.
type RecordStore struct {
	table   *Table
	data    *asyncData
	records map[string]*Record
	seq     map[string]int64
}

func newRecordStore(t *Table) *RecordStore {
	s := t.session
	rs := &RecordStore{
		table:   t,
		records: make(map[string]*Record),
		seq:     make(map[string]int64),
	}
	tableID := t.id
	rs.data = newAsyncData(s, "table:"+tableID, []path.Path{path.Records(tableID)})
	rs.data.fetch = func(ctx context.Context) ([]delta.Change, error) {
		records, err := s.host.FetchAndSubscribeToTableData(ctx, tableID)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = map[string]any{}
		}
		return []delta.Change{delta.Set(path.Records(tableID), records)}, nil
	}
	rs.data.unsubscribe = func() { s.host.UnsubscribeFromTableData(tableID) }
	rs.data.onChange = func(bool) { t.dataLoadedChangedLocked() }
	return rs
}

func (rs *RecordStore) assertLoaded() {
	if !rs.data.isLoaded() {
		invariant("table", rs.table.id, "record data is not loaded")
	}
}

// recordLocked returns the model of a record present in the tree.
func (rs *RecordStore) recordLocked(id string) *Record {
	if _, ok := rs.seq[id]; !ok {
		return nil
	}
	if r, ok := rs.records[id]; ok {
		return r
	}
	r := newRecord(rs.table, id)
	rs.records[id] = r
	return r
}

// rowsLocked returns the loaded records in creation order.
func (rs *RecordStore) rowsLocked() []query.Row {
	tree := rs.table.session.tree
	all := tree.Map(path.Records(rs.table.id))
	rows := make([]query.Row, 0, len(all))
	for id, raw := range all {
		rec, _ := raw.(map[string]any)
		cells, _ := rec[path.KeyCellValues].(map[string]any)
		created, _ := rec[path.KeyCreatedTime].(string)
		rows = append(rows, query.Row{ID: id, Seq: rs.seq[id], CreatedTime: created, Cells: cells})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	return rows
}

// process updates the store from the records part of a batch. It reports
// whether records were added or removed, and the changed fields of every
// record whose cells changed.
func (rs *RecordStore) process(node *delta.DirtyNode) (bool, map[string][]string) {
	tree := rs.table.session.tree
	present := tree.Map(path.Records(rs.table.id))

	if node.IsDirty {
		return rs.resync(present), nil
	}

	membership := false
	var added []string
	cells := make(map[string][]string)
	for _, id := range node.Keys() {
		child := node.Children[id]
		if _, ok := present[id]; !ok {
			if _, known := rs.seq[id]; known {
				membership = true
				delete(rs.seq, id)
			}
			if r, ok := rs.records[id]; ok {
				r.markDeleted()
				delete(rs.records, id)
			}
			continue
		}
		if _, known := rs.seq[id]; !known {
			added = append(added, id)
			membership = true
			continue
		}
		if r, ok := rs.records[id]; ok {
			if fields := r.process(child); len(fields) > 0 {
				cells[id] = fields
			}
		} else if fields := changedCells(child, rs.table); len(fields) > 0 {
			cells[id] = fields
		}
	}
	rs.assignSeq(added, present)
	return membership, cells
}

// resync replaces the whole record set, as on load and unload. Record models
// survive an unload so that they keep their identity when reloaded.
func (rs *RecordStore) resync(present map[string]any) bool {
	if !rs.data.subscribed && len(present) == 0 {
		glog.V(3).Infof("table %s: record data removed", rs.table.id)
		rs.seq = make(map[string]int64)
		return true
	}
	for id, r := range rs.records {
		if _, ok := present[id]; !ok {
			r.markDeleted()
			delete(rs.records, id)
		}
	}
	for id := range rs.seq {
		if _, ok := present[id]; !ok {
			delete(rs.seq, id)
		}
	}
	var added []string
	for id := range present {
		if _, ok := rs.seq[id]; !ok {
			added = append(added, id)
		}
	}
	rs.assignSeq(added, present)
	for _, id := range sortedIDs(rs.records) {
		rs.records[id].emitAll()
	}
	return true
}

// assignSeq numbers new records by creation time, then id.
func (rs *RecordStore) assignSeq(ids []string, present map[string]any) {
	created := func(id string) string {
		rec, _ := present[id].(map[string]any)
		s, _ := rec[path.KeyCreatedTime].(string)
		return s
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := created(ids[i]), created(ids[j])
		if ci != cj {
			return ci < cj
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		rs.seq[id] = rs.table.session.nextSeq()
	}
}

// destroy forgets every record after the table was deleted.
func (rs *RecordStore) destroy() {
	for id, r := range rs.records {
		r.markDeleted()
		delete(rs.records, id)
	}
	rs.seq = make(map[string]int64)
	rs.data.drop()
}

// changedCells lists the fields whose cells changed under a record node.
func changedCells(node *delta.DirtyNode, t *Table) []string {
	if node.IsDirty {
		return allFieldIDs(t)
	}
	cn := node.Child(path.KeyCellValues)
	if cn == nil {
		return nil
	}
	if cn.IsDirty {
		return allFieldIDs(t)
	}
	return cn.Keys()
}

func allFieldIDs(t *Table) []string {
	return t.session.tree.Keys(t.path().Child(path.KeyFields))
}
