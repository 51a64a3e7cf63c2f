package capability

import (
	"bytes"
	"encoding/json"
	"path"
	"regexp"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"codemode-runtime/internal/tools"
)

func loadJSON(_ *Env, L *lua.LState) (*lua.LTable, error) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"encode": func(L *lua.LState) int {
			v, err := FromLua(L.CheckAny(1))
			if err != nil {
				return raiseValidation(L, "encode", "%v", err)
			}
			var data []byte
			switch ind := L.Get(2).(type) {
			case lua.LNumber:
				data, err = json.MarshalIndent(v, "", strings.Repeat(" ", int(ind)))
			case lua.LString:
				data, err = json.MarshalIndent(v, "", string(ind))
			default:
				data, err = json.Marshal(v)
			}
			if err != nil {
				return raiseValidation(L, "encode", "%v", err)
			}
			L.Push(lua.LString(data))
			return 1
		},
		"decode": func(L *lua.LState) int {
			dec := json.NewDecoder(bytes.NewReader([]byte(L.CheckString(1))))
			dec.UseNumber()
			var v any
			if err := dec.Decode(&v); err != nil {
				return raise(L, "decode", tools.Parse("decode", "", err))
			}
			return push(L, "decode", v)
		},
	})
	return mod, nil
}

func loadRe(_ *Env, L *lua.LState) (*lua.LTable, error) {
	compile := func(L *lua.LState, op string) *regexp.Regexp {
		re, err := regexp.Compile(L.CheckString(1))
		if err != nil {
			raiseValidation(L, op, "invalid pattern: %v", err)
		}
		return re
	}
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"match": func(L *lua.LState) int {
			re := compile(L, "match")
			L.Push(lua.LBool(re.MatchString(L.CheckString(2))))
			return 1
		},
		"find_all": func(L *lua.LState) int {
			re := compile(L, "find_all")
			return push(L, "find_all", nonNil(re.FindAllString(L.CheckString(2), L.OptInt(3, -1))))
		},
		"replace": func(L *lua.LState) int {
			re := compile(L, "replace")
			L.Push(lua.LString(re.ReplaceAllString(L.CheckString(2), L.CheckString(3))))
			return 1
		},
		"split": func(L *lua.LState) int {
			re := compile(L, "split")
			return push(L, "split", nonNil(re.Split(L.CheckString(2), -1)))
		},
	})
	return mod, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func timeLayout(layout string) string {
	if strings.EqualFold(layout, "rfc3339") {
		return time.RFC3339
	}
	return layout
}

func loadTime(_ *Env, L *lua.LState) (*lua.LTable, error) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"now": func(L *lua.LState) int {
			L.Push(lua.LString(time.Now().UTC().Format(time.RFC3339)))
			return 1
		},
		"unix": func(L *lua.LState) int {
			L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
			return 1
		},
		"format": func(L *lua.LState) int {
			sec := float64(L.CheckNumber(1))
			t := time.Unix(0, int64(sec*1e9)).UTC()
			L.Push(lua.LString(t.Format(timeLayout(L.OptString(2, "rfc3339")))))
			return 1
		},
		"parse": func(L *lua.LState) int {
			t, err := time.Parse(timeLayout(L.CheckString(1)), L.CheckString(2))
			if err != nil {
				return raise(L, "parse", tools.Parse("parse", "", err))
			}
			L.Push(lua.LNumber(float64(t.UnixNano()) / 1e9))
			return 1
		},
	})
	return mod, nil
}

func loadPath(_ *Env, L *lua.LState) (*lua.LTable, error) {
	one := func(fn func(string) string) lua.LGFunction {
		return func(L *lua.LState) int {
			L.Push(lua.LString(fn(L.CheckString(1))))
			return 1
		}
	}
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"join": func(L *lua.LState) int {
			parts := make([]string, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.CheckString(i))
			}
			L.Push(lua.LString(path.Join(parts...)))
			return 1
		},
		"base":  one(path.Base),
		"dir":   one(path.Dir),
		"ext":   one(path.Ext),
		"clean": one(path.Clean),
	})
	return mod, nil
}
