package luart

import (
	lua "github.com/yuin/gopher-lua"
)

// ToLua converts a Go value to its Lua representation. Unhandled types
// become nil rather than panicking; plugin-facing data is limited to the
// JSON-ish scalar/slice/map subset.
func ToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, ToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, ToLua(L, item))
		}
		return tbl
	case lua.LValue:
		return val
	default:
		return lua.LNil
	}
}

// FromLua converts a Lua value to a Go value. Tables with contiguous
// integer keys from 1 become slices, everything else a map. Circular
// tables terminate with nil at the cycle.
func FromLua(lv lua.LValue) any {
	return fromLua(lv, make(map[*lua.LTable]bool))
}

func fromLua(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableFromLua(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		// Functions, channels, and threads have no Go representation.
		return nil
	}
}

func tableFromLua(t *lua.LTable, visited map[*lua.LTable]bool) any {
	maxN := 0
	count := 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		n, ok := k.(lua.LNumber)
		if !ok || float64(n) != float64(int(n)) || int(n) < 1 {
			isArray = false
			return
		}
		if int(n) > maxN {
			maxN = int(n)
		}
	})

	if isArray && count == maxN && maxN > 0 {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = fromLua(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = fromLua(v, visited)
	})
	return m
}
