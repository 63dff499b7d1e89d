package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table nesting in both directions.
const maxDepth = 32

// jsonToLua decodes raw JSON into a Lua value. Objects become string-keyed
// tables and arrays become 1-based sequences.
func jsonToLua(L *lua.LState, raw json.RawMessage) (lua.LValue, error) {
	if len(raw) == 0 {
		return L.NewTable(), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return lua.LNil, fmt.Errorf("decoding json: %w", err)
	}
	return toLua(L, v, 0)
}

func toLua(L *lua.LState, v any, depth int) (lua.LValue, error) {
	if depth > maxDepth {
		return lua.LNil, fmt.Errorf("value nested deeper than %d", maxDepth)
	}
	switch x := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(x), nil
	case float64:
		return lua.LNumber(x), nil
	case string:
		return lua.LString(x), nil
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			lv, err := toLua(L, e, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			t.Append(lv)
		}
		return t, nil
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			lv, err := toLua(L, e, depth+1)
			if err != nil {
				return lua.LNil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	default:
		return lua.LNil, fmt.Errorf("unsupported json value %T", v)
	}
}

// luaToJSON encodes a Lua value. A table whose keys are exactly 1..n becomes
// an array; any other non-empty table must have string keys and becomes an
// object. The empty table encodes as {}.
func luaToJSON(v lua.LValue) (json.RawMessage, error) {
	g, err := fromLua(v, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

func fromLua(v lua.LValue, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("table nested deeper than %d", maxDepth)
	}
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LNumber:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v is not representable in json", f)
		}
		return f, nil
	case lua.LString:
		return string(x), nil
	case *lua.LTable:
		return tableToGo(x, depth)
	default:
		return nil, fmt.Errorf("unsupported lua value of type %s", v.Type())
	}
}

func tableToGo(t *lua.LTable, depth int) (any, error) {
	n := t.MaxN()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			e, err := fromLua(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, e)
		}
		return arr, nil
	}

	obj := make(map[string]any, count)
	var keys []string
	var bad lua.LValue
	t.ForEach(func(k, _ lua.LValue) {
		s, ok := k.(lua.LString)
		if !ok {
			bad = k
			return
		}
		keys = append(keys, string(s))
	})
	if bad != nil {
		return nil, fmt.Errorf("table key %s is not a string", bad.String())
	}
	sort.Strings(keys)
	for _, k := range keys {
		e, err := fromLua(t.RawGetString(k), depth+1)
		if err != nil {
			return nil, err
		}
		obj[k] = e
	}
	return obj, nil
}
