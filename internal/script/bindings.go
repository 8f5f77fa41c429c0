package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/basekit/internal/fieldtype"
	"github.com/zot/basekit/internal/query"
	"github.com/zot/basekit/internal/sdk"
)

func (r *Runner) baseTable() *lua.LTable {
	L := r.state
	b := r.session.Base()
	tbl := L.NewTable()
	tbl.RawSetString("name", method(L, func(L *lua.LState) int {
		L.Push(lua.LString(b.Name()))
		return 1
	}))
	tbl.RawSetString("permission", method(L, func(L *lua.LState) int {
		L.Push(lua.LString(b.PermissionLevel()))
		return 1
	}))
	tbl.RawSetString("tables", method(L, func(L *lua.LState) int {
		list := L.NewTable()
		for i, t := range b.Tables() {
			L.RawSetInt(list, i+1, r.tableObject(t))
		}
		L.Push(list)
		return 1
	}))
	tbl.RawSetString("table", method(L, func(L *lua.LState) int {
		t, err := b.GetTable(L.CheckString(1))
		if err != nil {
			return raise(L, err)
		}
		L.Push(r.tableObject(t))
		return 1
	}))
	tbl.RawSetString("cursor", method(L, r.cursor))
	return tbl
}

func (r *Runner) cursor(L *lua.LState) int {
	c := r.session.Cursor()
	if _, err := c.LoadData(r.ctx); err != nil {
		return raise(L, err)
	}
	defer c.UnloadData()
	L.Push(toLua(L, map[string]any{
		"activeTableId":     c.ActiveTableID(),
		"activeViewId":      c.ActiveViewID(),
		"selectedRecordIds": toAny(c.SelectedRecordIDs()),
		"selectedFieldIds":  toAny(c.SelectedFieldIDs()),
	}))
	return 1
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// tableObject exposes a table. Methods use the colon syntax.
func (r *Runner) tableObject(t *sdk.Table) *lua.LTable {
	L := r.state
	obj := L.NewTable()
	obj.RawSetString("id", lua.LString(t.ID()))
	funcs := map[string]lua.LGFunction{
		"name": func(L *lua.LState) int {
			L.Push(lua.LString(t.Name()))
			return 1
		},
		"fields": func(L *lua.LState) int {
			list := L.NewTable()
			for i, f := range t.Fields() {
				L.RawSetInt(list, i+1, toLua(L, map[string]any{
					"id":      f.ID(),
					"name":    f.Name(),
					"type":    string(f.Type()),
					"primary": f.IsPrimaryField(),
				}))
			}
			L.Push(list)
			return 1
		},
		"views": func(L *lua.LState) int {
			list := L.NewTable()
			for i, v := range t.Views() {
				L.RawSetInt(list, i+1, toLua(L, map[string]any{"id": v.ID(), "name": v.Name()}))
			}
			L.Push(list)
			return 1
		},
		"select": func(L *lua.LState) int {
			return r.selectRecords(L, t)
		},
		"count": func(L *lua.LState) int {
			var n int
			err := r.withRecords(t, func() error {
				n = t.RecordCount()
				return nil
			})
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LNumber(n))
			return 1
		},
		"update": func(L *lua.LState) int {
			id := L.CheckString(1)
			cells, _ := fromLua(L.CheckTable(2)).(map[string]any)
			err := r.withRecords(t, func() error {
				done, err := t.UpdateRecord(r.ctx, id, cells)
				if err != nil {
					return err
				}
				return done.Wait(r.ctx)
			})
			if err != nil {
				return raise(L, err)
			}
			return 0
		},
		"create": func(L *lua.LState) int {
			cells, _ := fromLua(L.OptTable(1, L.NewTable())).(map[string]any)
			var id string
			err := r.withRecords(t, func() error {
				var done *sdk.Completion
				var err error
				id, done, err = t.CreateRecord(r.ctx, cells)
				if err != nil {
					return err
				}
				return done.Wait(r.ctx)
			})
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LString(id))
			return 1
		},
		"delete": func(L *lua.LState) int {
			ids := stringList(L.Get(1))
			if len(ids) == 0 {
				L.ArgError(1, "record id or list of ids expected")
			}
			err := r.withRecords(t, func() error {
				done, err := t.DeleteRecords(r.ctx, ids)
				if err != nil {
					return err
				}
				return done.Wait(r.ctx)
			})
			if err != nil {
				return raise(L, err)
			}
			return 0
		},
		"createField": func(L *lua.LState) int {
			name := L.CheckString(1)
			typ := fieldtype.Type(L.OptString(2, string(fieldtype.SingleLineText)))
			f, done, err := t.CreateField(r.ctx, name, typ, nil, "")
			if err == nil {
				err = done.Wait(r.ctx)
			}
			if err != nil {
				return raise(L, err)
			}
			L.Push(lua.LString(f.ID()))
			return 1
		},
	}
	for name, fn := range funcs {
		obj.RawSetString(name, method(L, fn))
	}
	return obj
}

// withRecords keeps the table's record data loaded while fn runs.
func (r *Runner) withRecords(t *sdk.Table, fn func() error) error {
	q, err := t.SelectRecords(query.Options{})
	if err != nil {
		return err
	}
	defer q.Release()
	if _, err := q.LoadData(r.ctx); err != nil {
		return err
	}
	defer q.UnloadData()
	return fn()
}

// selectRecords reads records as a list of {id, name, cells} tables. The
// options table may name a view and carry sort, filter and fields entries.
func (r *Runner) selectRecords(L *lua.LState, t *sdk.Table) int {
	opts, view, err := queryOptions(L.OptTable(1, L.NewTable()))
	if err != nil {
		return raise(L, err)
	}
	sel := t.SelectRecords
	if view != "" {
		v, err := t.GetView(view)
		if err != nil {
			return raise(L, err)
		}
		sel = v.SelectRecords
	}
	q, err := sel(opts)
	if err != nil {
		return raise(L, err)
	}
	defer q.Release()
	if _, err := q.LoadData(r.ctx); err != nil {
		return raise(L, err)
	}
	defer q.UnloadData()

	fields := opts.Fields
	if len(fields) == 0 {
		for _, f := range t.Fields() {
			fields = append(fields, f.ID())
		}
	}
	list := L.NewTable()
	for i, rec := range q.Records() {
		cells := make(map[string]any, len(fields))
		for _, ref := range fields {
			f, err := t.GetField(ref)
			if err != nil {
				return raise(L, err)
			}
			v, err := q.GetCellValue(rec.ID(), f.ID())
			if err != nil {
				return raise(L, err)
			}
			cells[f.Name()] = v
		}
		L.RawSetInt(list, i+1, toLua(L, map[string]any{
			"id":    rec.ID(),
			"name":  rec.Name(),
			"cells": cells,
		}))
	}
	L.Push(list)
	return 1
}

func queryOptions(tbl *lua.LTable) (query.Options, string, error) {
	var opts query.Options
	view := lua.LVAsString(tbl.RawGetString("view"))
	opts.Filter = lua.LVAsString(tbl.RawGetString("filter"))
	opts.Fields = stringList(tbl.RawGetString("fields"))
	switch sorts := tbl.RawGetString("sort").(type) {
	case *lua.LNilType:
	case lua.LString:
		opts.Sorts = []query.Sort{{Field: string(sorts)}}
	case *lua.LTable:
		for i := 1; i <= sorts.Len(); i++ {
			switch s := sorts.RawGetInt(i).(type) {
			case lua.LString:
				opts.Sorts = append(opts.Sorts, query.Sort{Field: string(s)})
			case *lua.LTable:
				opts.Sorts = append(opts.Sorts, query.Sort{
					Field:     lua.LVAsString(s.RawGetString("field")),
					Direction: lua.LVAsString(s.RawGetString("direction")),
				})
			default:
				return opts, "", fmt.Errorf("sort %d: expected a field name or {field=, direction=}", i)
			}
		}
	default:
		return opts, "", fmt.Errorf("sort: expected a field name or a list")
	}
	return opts, view, nil
}
