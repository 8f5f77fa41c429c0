package script

import (
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a tree value to Lua. Maps become tables with sorted keys
// inserted first so iteration order is stable for a given table.
func toLua(L *lua.LState, val any) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []string:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			L.SetField(tbl, k, toLua(L, v[k]))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// fromLua converts a Lua value to Go. Tables with only integer keys become
// lists, other tables become maps. Keys prefixed with "_" are skipped.
func fromLua(val lua.LValue) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		hasNumericKeys := false
		hasStringKeys := false
		maxN := 0
		v.ForEach(func(key, _ lua.LValue) {
			switch k := key.(type) {
			case lua.LNumber:
				hasNumericKeys = true
				if int(k) > maxN {
					maxN = int(k)
				}
			case lua.LString:
				if !strings.HasPrefix(string(k), "_") {
					hasStringKeys = true
				}
			}
		})
		if hasNumericKeys && !hasStringKeys && maxN > 0 {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = fromLua(v.RawGetInt(i))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok && !strings.HasPrefix(string(ks), "_") {
				m[string(ks)] = fromLua(value)
			}
		})
		return m
	default:
		return nil
	}
}

// stringList reads a Lua list of strings; a single string is a list of one.
func stringList(val lua.LValue) []string {
	switch v := val.(type) {
	case lua.LString:
		return []string{string(v)}
	case *lua.LTable:
		var out []string
		for i := 1; i <= v.Len(); i++ {
			out = append(out, lua.LVAsString(v.RawGetInt(i)))
		}
		return out
	}
	return nil
}
