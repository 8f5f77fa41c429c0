package sdk

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/golang/glog"

	"github.com/zot/basekit/internal/datatree"
	"github.com/zot/basekit/internal/path"
	"github.com/zot/basekit/internal/query"
)

// QueryResultKey is a watchable key of QueryResult. Besides the constants,
// CellValuesInField(fieldID) watches one field across the result.
type QueryResultKey string

const (
	QueryResultKeyRecords      QueryResultKey = "records"
	QueryResultKeyRecordIDs    QueryResultKey = "recordIds"
	QueryResultKeyCellValues   QueryResultKey = "cellValues"
	QueryResultKeyIsDataLoaded QueryResultKey = "isDataLoaded"

	cellValuesInFieldPrefix = "cellValuesInField:"
)

// CellValuesInField returns the key that watches one field of a result.
func CellValuesInField(fieldID string) QueryResultKey {
	return QueryResultKey(cellValuesInFieldPrefix + fieldID)
}

// CellValuesChange is the event detail of cellValues keys.
type CellValuesChange struct {
	RecordIDs []string
	FieldIDs  []string
}

// QueryResult is the live, ordered set of records matching one query. Equal
// queries share one instance; each SelectRecords call must be paired with
// Release.
type QueryResult struct {
	model[QueryResultKey]
	cache       *QueryCache
	table       *Table
	view        *View
	source      query.Source
	opts        query.Normalized
	filter      *query.Filter
	fingerprint string
	holders     int

	ids       []string
	idSet     map[string]bool
	wasLoaded bool
	handle    loadHandle
}

func newQueryResult(c *QueryCache, t *Table, v *View, src query.Source, opts query.Normalized, filter *query.Filter, fp string) *QueryResult {
	s := t.session
	q := &QueryResult{
		cache:       c,
		table:       t,
		view:        v,
		source:      src,
		opts:        opts,
		filter:      filter,
		fingerprint: fp,
	}
	q.model = newModel(s, "queryResult", fp, q.validKey)
	deps := []*asyncData{t.records.data}
	if v != nil {
		deps = append(deps, v.data)
	}
	q.handle = loadHandle{session: s, deps: deps, dead: &q.deleted}
	q.watchers.OnActiveChanged = func(key QueryResultKey, active bool) {
		if key != QueryResultKeyIsDataLoaded {
			q.handle.watchChanged(active)
		}
	}
	q.wasLoaded = q.handle.loaded()
	if q.wasLoaded {
		q.recompute()
	}
	return q
}

func (q *QueryResult) validKey(k QueryResultKey) bool {
	switch k {
	case QueryResultKeyRecords, QueryResultKeyRecordIDs, QueryResultKeyCellValues, QueryResultKeyIsDataLoaded:
		return true
	}
	fieldID, ok := strings.CutPrefix(string(k), cellValuesInFieldPrefix)
	if !ok || fieldID == "" {
		return false
	}
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	return q.table.fieldLocked(fieldID) != nil && q.opts.Includes(fieldID)
}

// Fingerprint returns the canonical key of the query.
func (q *QueryResult) Fingerprint() string {
	return q.fingerprint
}

// Table returns the table queried.
func (q *QueryResult) Table() *Table {
	return q.table
}

// View returns the view queried, or nil for a table query.
func (q *QueryResult) View() *View {
	return q.view
}

// IsDataLoaded reports whether the records of the result are loaded.
func (q *QueryResult) IsDataLoaded() bool {
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	return !q.deleted && q.handle.loaded()
}

// LoadData loads the records of the result. Each call must be paired with
// UnloadData. It returns the keys whose values became available.
func (q *QueryResult) LoadData(ctx context.Context) ([]QueryResultKey, error) {
	q.session.mu.Lock()
	q.assertLive()
	q.session.mu.Unlock()

	fresh, err := q.handle.loadData(ctx)
	if err != nil || !fresh {
		return nil, err
	}
	return []QueryResultKey{QueryResultKeyRecords, QueryResultKeyRecordIDs, QueryResultKeyCellValues}, nil
}

// UnloadData releases one LoadData reference.
func (q *QueryResult) UnloadData() {
	q.handle.unloadData()
}

func (q *QueryResult) readable() {
	q.assertLive()
	if !q.handle.loaded() {
		invariant(q.kind, q.id, "query data is not loaded")
	}
}

// RecordIDs returns the ids of the matching records in result order.
func (q *QueryResult) RecordIDs() []string {
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	q.readable()
	return slices.Clone(q.ids)
}

// Records returns the matching records in result order.
func (q *QueryResult) Records() []*Record {
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	q.readable()
	records := make([]*Record, 0, len(q.ids))
	for _, id := range q.ids {
		if r := q.table.records.recordLocked(id); r != nil {
			records = append(records, r)
		}
	}
	return records
}

// GetRecordByIDIfExists returns the record if it is part of the result.
func (q *QueryResult) GetRecordByIDIfExists(id string) *Record {
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	q.readable()
	if !q.idSet[id] {
		return nil
	}
	return q.table.records.recordLocked(id)
}

// HasRecord reports whether id is part of the result.
func (q *QueryResult) HasRecord(id string) bool {
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	q.readable()
	return q.idSet[id]
}

// GetCellValue reads a cell through the result, honoring its field set.
func (q *QueryResult) GetCellValue(recordID, fieldIDOrName string) (any, error) {
	q.session.mu.Lock()
	defer q.session.mu.Unlock()
	q.readable()
	if !q.idSet[recordID] {
		return nil, fmt.Errorf("record %s in %s: %w", recordID, q.fingerprint, ErrNotFound)
	}
	f := q.table.resolveFieldLocked(fieldIDOrName)
	if f == nil {
		return nil, fmt.Errorf("field %q: %w", fieldIDOrName, query.ErrUnknownField)
	}
	if !q.opts.Includes(f.id) {
		return nil, fmt.Errorf("field %s was not requested by %s: %w", f.id, q.fingerprint, ErrDataNotLoaded)
	}
	v, _ := q.session.tree.Get(path.CellValue(q.table.id, recordID, f.id))
	return datatree.Normalize(v), nil
}

// Release gives back the reference taken by SelectRecords. The result is
// torn down when the last holder releases it.
func (q *QueryResult) Release() {
	s := q.session
	s.mu.Lock()
	if q.deleted || q.holders == 0 {
		s.mu.Unlock()
		return
	}
	q.holders--
	if q.holders > 0 {
		s.mu.Unlock()
		return
	}
	q.teardownLocked()
	n := q.handle.takeAll()
	s.mu.Unlock()

	glog.V(3).Infof("query %s released", q.fingerprint)
	q.handle.releaseDeps(n)
}

func (q *QueryResult) teardownLocked() {
	q.markDeleted()
	delete(q.cache.entries, q.fingerprint)
	delete(q.table.queries, q)
	recordQueryTeardown()
}

// destroyLocked tears the result down because its table or view is gone.
func (q *QueryResult) destroyLocked() {
	if q.deleted {
		return
	}
	q.teardownLocked()
	q.holders = 0
	n := q.handle.takeAll()
	if n > 0 {
		s := q.session
		s.pending = append(s.pending, func() { q.handle.releaseDeps(n) })
	}
}

// recompute evaluates the query against loaded data and reports whether the
// result order changed.
func (q *QueryResult) recompute() bool {
	rows := q.table.records.rowsLocked()
	if q.view != nil {
		byID := make(map[string]query.Row, len(rows))
		for _, row := range rows {
			byID[row.ID] = row
		}
		visible := q.session.tree.Strings(path.VisibleRecordIDs(q.table.id, q.view.id))
		rows = rows[:0]
		for i, id := range visible {
			if row, ok := byID[id]; ok {
				row.Seq = int64(i)
				rows = append(rows, row)
			}
		}
	}
	ids, err := query.Evaluate(rows, q.opts, q.filter, q.table.fieldNamesLocked())
	if err != nil {
		glog.Warningf("query %s: %v", q.fingerprint, err)
	}
	if slices.Equal(ids, q.ids) && (ids != nil) == (q.ids != nil) {
		return false
	}
	q.setIDs(ids)
	return true
}

func (q *QueryResult) setIDs(ids []string) {
	q.ids = ids
	q.idSet = make(map[string]bool, len(ids))
	for _, id := range ids {
		q.idSet[id] = true
	}
}

// update follows one batch of its table.
func (q *QueryResult) update(ch tableChange) {
	if q.deleted || !q.handle.loaded() {
		return
	}
	dirty := ch.membership || ch.schema || (q.view != nil && ch.viewOrders[q.view.id])
	if !dirty {
		names := q.table.fieldNamesLocked()
		for _, fields := range ch.cells {
			for _, f := range fields {
				if q.opts.DependsOn(f, names[f]) {
					dirty = true
					break
				}
			}
			if dirty {
				break
			}
		}
	}
	if dirty && q.recompute() {
		q.emit(QueryResultKeyRecordIDs, nil)
		q.emit(QueryResultKeyRecords, nil)
	}

	var records []string
	fieldSet := make(map[string]bool)
	for _, id := range sortedIDs(ch.cells) {
		if !q.idSet[id] {
			continue
		}
		touched := false
		for _, f := range ch.cells[id] {
			if q.opts.Includes(f) {
				fieldSet[f] = true
				touched = true
			}
		}
		if touched {
			records = append(records, id)
		}
	}
	if len(records) == 0 {
		return
	}
	fields := sortedIDs(fieldSet)
	q.emit(QueryResultKeyCellValues, CellValuesChange{RecordIDs: records, FieldIDs: fields})
	for _, f := range fields {
		q.emit(CellValuesInField(f), CellValuesChange{RecordIDs: records, FieldIDs: []string{f}})
	}
}

// dataLoadedChanged follows the load state of the result's dependencies.
func (q *QueryResult) dataLoadedChanged() {
	if q.deleted {
		return
	}
	now := q.handle.loaded()
	if now == q.wasLoaded {
		return
	}
	q.wasLoaded = now
	if now {
		q.recompute()
	} else {
		q.setIDs(nil)
	}
	q.emit(QueryResultKeyIsDataLoaded, nil)
	q.emit(QueryResultKeyRecordIDs, nil)
	q.emit(QueryResultKeyRecords, nil)
}
