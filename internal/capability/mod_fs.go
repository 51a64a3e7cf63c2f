package capability

import (
	lua "github.com/yuin/gopher-lua"

	"codemode-runtime/internal/tools/fsops"
)

func loadFS(e *Env, L *lua.LState) (*lua.LTable, error) {
	ops := e.fsOps()
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"copy_lines": func(L *lua.LState) int {
			out, err := ops.CopyLines(L.CheckString(1), L.CheckInt(2), L.CheckInt(3))
			if err != nil {
				return raise(L, "copy_lines", err)
			}
			L.Push(lua.LString(out))
			return 1
		},
		"paste_code": func(L *lua.LState) int {
			opts := L.OptTable(4, nil)
			res, err := ops.PasteCode(L.CheckString(1), L.CheckInt(2), L.CheckString(3), fsops.PasteOptions{
				Backup: optBool(opts, "backup"),
			})
			if err != nil {
				return raise(L, "paste_code", err)
			}
			return push(L, "paste_code", res)
		},
		"search_replace": func(L *lua.LState) int {
			opts := L.OptTable(4, nil)
			root := optString(opts, "root", ".")
			res, err := ops.SearchReplace(root, L.CheckString(3), L.CheckString(1), L.CheckString(2), optBool(opts, "regex"))
			if err != nil {
				return raise(L, "search_replace", err)
			}
			return push(L, "search_replace", res)
		},
		"batch": func(L *lua.LState) int {
			var batch []fsops.BatchOp
			if err := decodeInto(L.CheckTable(1), &batch); err != nil {
				return raiseValidation(L, "batch", "ops must be a list of {op=..., path=...} tables: %v", err)
			}
			return push(L, "batch", ops.Batch(batch))
		},
		"read_file": func(L *lua.LState) int {
			out, err := ops.ReadFile(L.CheckString(1))
			if err != nil {
				return raise(L, "read_file", err)
			}
			L.Push(lua.LString(out))
			return 1
		},
		"write_file": func(L *lua.LState) int {
			n, err := ops.WriteFile(L.CheckString(1), L.CheckString(2))
			if err != nil {
				return raise(L, "write_file", err)
			}
			L.Push(lua.LNumber(n))
			return 1
		},
		"list_dir": func(L *lua.LState) int {
			entries, err := ops.ListDir(L.OptString(1, "."))
			if err != nil {
				return raise(L, "list_dir", err)
			}
			return push(L, "list_dir", entries)
		},
		"search_files": func(L *lua.LState) int {
			files, err := ops.SearchFiles(L.OptString(2, "."), L.CheckString(1))
			if err != nil {
				return raise(L, "search_files", err)
			}
			return push(L, "search_files", files)
		},
	})
	return mod, nil
}

// push converts v and pushes it as the single return value.
func push(L *lua.LState, op string, v any) int {
	lv, err := ToLua(L, v)
	if err != nil {
		return raise(L, op, err)
	}
	L.Push(lv)
	return 1
}

func optBool(t *lua.LTable, key string) bool {
	if t == nil {
		return false
	}
	return lua.LVAsBool(t.RawGetString(key))
}

func optString(t *lua.LTable, key, def string) string {
	if t == nil {
		return def
	}
	if s, ok := t.RawGetString(key).(lua.LString); ok && s != "" {
		return string(s)
	}
	return def
}
