package capability

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth bounds nesting so self-referencing tables cannot recurse
// forever.
const maxConvertDepth = 64

// ToLua converts a JSON-compatible Go value to Lua. Structs and other types
// are routed through their JSON encoding, so json tags decide field names.
func ToLua(L *lua.LState, v any) (lua.LValue, error) {
	switch x := v.(type) {
	case nil:
		return lua.LNil, nil
	case lua.LValue:
		return x, nil
	case bool:
		return lua.LBool(x), nil
	case string:
		return lua.LString(x), nil
	case float64:
		return lua.LNumber(x), nil
	case int:
		return lua.LNumber(x), nil
	case int64:
		return lua.LNumber(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return lua.LNumber(f), nil
	case []string:
		t := L.CreateTable(len(x), 0)
		for _, s := range x {
			t.Append(lua.LString(s))
		}
		return t, nil
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, item := range x {
			lv, err := ToLua(L, item)
			if err != nil {
				return nil, err
			}
			t.Append(lv)
		}
		return t, nil
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, item := range x {
			lv, err := ToLua(L, item)
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("converting %T to lua: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("converting %T to lua: %w", v, err)
	}
	return ToLua(L, generic)
}

// FromLua converts a Lua value to a JSON-compatible Go value. A table whose
// keys are exactly 1..n becomes a slice; any other table, including an
// empty one, becomes a map with string keys. Functions, userdata, threads
// and channels are rejected.
func FromLua(v lua.LValue) (any, error) {
	return fromLua(v, 0)
}

func fromLua(v lua.LValue, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxConvertDepth)
	}
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LString:
		return string(x), nil
	case lua.LNumber:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v is not representable in JSON", f)
		}
		return f, nil
	case *lua.LTable:
		return tableFromLua(x, depth)
	}
	return nil, fmt.Errorf("cannot convert lua %s to a data value", v.Type().String())
}

func tableFromLua(t *lua.LTable, depth int) (any, error) {
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n := t.MaxN(); n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := fromLua(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	var convErr error
	t.ForEach(func(k, val lua.LValue) {
		if convErr != nil {
			return
		}
		var key string
		switch kk := k.(type) {
		case lua.LString:
			key = string(kk)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kk), 'f', -1, 64)
		default:
			convErr = fmt.Errorf("table key of type %s is not allowed", k.Type().String())
			return
		}
		item, err := fromLua(val, depth+1)
		if err != nil {
			convErr = err
			return
		}
		out[key] = item
	})
	if convErr != nil {
		return nil, convErr
	}
	return out, nil
}

// decodeInto converts a Lua value into dst through its JSON form.
func decodeInto(v lua.LValue, dst any) error {
	generic, err := FromLua(v)
	if err != nil {
		return err
	}
	// {} is both the empty list and the empty object.
	if m, ok := generic.(map[string]any); ok && len(m) == 0 {
		if json.Unmarshal([]byte("[]"), dst) == nil {
			return nil
		}
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
