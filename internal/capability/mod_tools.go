package capability

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"codemode-runtime/internal/tools/transform"
)

func loadAnalysis(e *Env, L *lua.LState) (*lua.LTable, error) {
	a := e.analysisTool()
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"analyze": func(L *lua.LState) int {
			sum, err := a.Analyze(L.CheckString(1))
			if err != nil {
				return raise(L, "analyze", err)
			}
			return push(L, "analyze", sum)
		},
		"analyze_glob": func(L *lua.LState) int {
			out, err := a.AnalyzeGlob(e.ctx, L.OptString(2, "."), L.CheckString(1))
			if err != nil {
				return raise(L, "analyze_glob", err)
			}
			return push(L, "analyze_glob", out)
		},
	})
	return mod, nil
}

func loadTransform(e *Env, L *lua.LState) (*lua.LTable, error) {
	tr := e.transformTool()
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"rename_identifier": func(L *lua.LState) int {
			res, err := tr.RenameIdentifier(L.CheckString(1), L.CheckString(2), L.CheckString(3), L.CheckString(4))
			if err != nil {
				return raise(L, "rename_identifier", err)
			}
			return push(L, "rename_identifier", res)
		},
		"strip_debug": func(L *lua.LState) int {
			res, err := tr.StripDebug(L.CheckString(1), L.CheckString(2))
			if err != nil {
				return raise(L, "strip_debug", err)
			}
			return push(L, "strip_debug", res)
		},
		"batch_refactor": func(L *lua.LState) int {
			const op = "batch_refactor"
			fn, err := e.resolveTransform(L, L.CheckAny(3))
			if err != nil {
				return raise(L, op, err)
			}
			res, err := tr.BatchRefactor(L.CheckString(1), L.CheckString(2), fn)
			if err != nil {
				return raise(L, op, err)
			}
			return push(L, op, res)
		},
		"list_transforms": func(L *lua.LState) int {
			return push(L, "list_transforms", transform.Builtins())
		},
	})
	return mod, nil
}

// resolveTransform turns a Lua function, a built-in name or a stored skill
// name into a transform.Func. A skill's code must evaluate to
// function(content, path) returning the new content.
func (e *Env) resolveTransform(L *lua.LState, v lua.LValue) (transform.Func, error) {
	switch x := v.(type) {
	case *lua.LFunction:
		return luaTransform(L, x), nil
	case lua.LString:
		name := string(x)
		if fn, ok := transform.Lookup(name); ok {
			return fn, nil
		}
		st, err := e.sessionStore()
		if err != nil {
			return nil, err
		}
		sk, err := st.LoadSkill(e.ctx, name)
		if err != nil {
			return nil, err
		}
		chunk, err := L.LoadString(sk.Code)
		if err != nil {
			return nil, fmt.Errorf("compiling skill %q: %w", name, err)
		}
		if err := L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
			return nil, fmt.Errorf("loading skill %q: %w", name, err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		fn, ok := ret.(*lua.LFunction)
		if !ok {
			return nil, fmt.Errorf("skill %q must return a function(content, path), got %s", name, ret.Type())
		}
		return luaTransform(L, fn), nil
	}
	return nil, fmt.Errorf("transform must be a function or a name, got %s", v.Type())
}

func luaTransform(L *lua.LState, fn *lua.LFunction) transform.Func {
	return func(content, path string) (string, error) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(content), lua.LString(path)); err != nil {
			return "", err
		}
		ret := L.Get(-1)
		L.Pop(1)
		s, ok := ret.(lua.LString)
		if !ok {
			return "", fmt.Errorf("transform returned %s, want string", ret.Type())
		}
		return string(s), nil
	}
}

func loadGit(e *Env, L *lua.LState) (*lua.LTable, error) {
	repo := e.gitRepo()
	ctx := func() context.Context { return e.ctx }
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"status": func(L *lua.LState) int {
			st, err := repo.Status(ctx())
			if err != nil {
				return raise(L, "status", err)
			}
			return push(L, "status", st)
		},
		"add": func(L *lua.LState) int {
			var paths []string
			switch v := L.CheckAny(1).(type) {
			case lua.LString:
				paths = []string{string(v)}
			case *lua.LTable:
				if err := decodeInto(v, &paths); err != nil {
					return raiseValidation(L, "add", "paths must be a string or a list of strings")
				}
			default:
				return raiseValidation(L, "add", "paths must be a string or a list of strings, got %s", v.Type())
			}
			if err := repo.Add(ctx(), paths); err != nil {
				return raise(L, "add", err)
			}
			L.Push(lua.LTrue)
			return 1
		},
		"commit": func(L *lua.LState) int {
			hash, err := repo.Commit(ctx(), L.CheckString(1), optBool(L.OptTable(2, nil), "all"))
			if err != nil {
				return raise(L, "commit", err)
			}
			L.Push(lua.LString(hash))
			return 1
		},
		"branch": func(L *lua.LState) int {
			name, err := repo.Branch(ctx(), L.OptString(1, ""))
			if err != nil {
				return raise(L, "branch", err)
			}
			L.Push(lua.LString(name))
			return 1
		},
		"push": func(L *lua.LState) int {
			out, err := repo.Push(ctx(), L.OptString(1, ""), L.OptString(2, ""))
			if err != nil {
				return raise(L, "push", err)
			}
			L.Push(lua.LString(out))
			return 1
		},
		"log": func(L *lua.LState) int {
			commits, err := repo.Log(ctx(), L.OptInt(1, 0))
			if err != nil {
				return raise(L, "log", err)
			}
			return push(L, "log", commits)
		},
	})
	return mod, nil
}

func loadSession(e *Env, L *lua.LState) (*lua.LTable, error) {
	st, err := e.sessionStore()
	if err != nil {
		return nil, err
	}
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"save_state": func(L *lua.LState) int {
			id := L.CheckString(1)
			var state map[string]any
			if err := decodeInto(L.CheckTable(2), &state); err != nil {
				return raiseValidation(L, "save_state", "state must be a table with string keys: %v", err)
			}
			if err := st.SaveState(e.ctx, id, state); err != nil {
				return raise(L, "save_state", err)
			}
			return 0
		},
		"load_state": func(L *lua.LState) int {
			state, err := st.LoadState(e.ctx, L.CheckString(1))
			if err != nil {
				return raise(L, "load_state", err)
			}
			return push(L, "load_state", state)
		},
		"delete_state": func(L *lua.LState) int {
			if err := st.DeleteSession(e.ctx, L.CheckString(1)); err != nil {
				return raise(L, "delete_state", err)
			}
			return 0
		},
		"list_sessions": func(L *lua.LState) int {
			list, err := st.ListSessions(e.ctx)
			if err != nil {
				return raise(L, "list_sessions", err)
			}
			return push(L, "list_sessions", list)
		},
		"save_skill": func(L *lua.LState) int {
			if err := st.SaveSkill(e.ctx, L.CheckString(1), L.CheckString(2), L.OptString(3, "")); err != nil {
				return raise(L, "save_skill", err)
			}
			return 0
		},
		"load_skill": func(L *lua.LState) int {
			sk, err := st.LoadSkill(e.ctx, L.CheckString(1))
			if err != nil {
				return raise(L, "load_skill", err)
			}
			L.Push(lua.LString(sk.Code))
			return 1
		},
		"list_skills": func(L *lua.LState) int {
			list, err := st.ListSkills(e.ctx)
			if err != nil {
				return raise(L, "list_skills", err)
			}
			return push(L, "list_skills", list)
		},
	})
	return mod, nil
}

func loadTools(e *Env, L *lua.LState) (*lua.LTable, error) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"list": func(L *lua.LState) int {
			type row struct {
				Name    string `json:"name"`
				Kind    string `json:"kind"`
				Summary string `json:"summary"`
			}
			rows := []row{}
			for _, m := range e.registry.Allowed(e.policy) {
				rows = append(rows, row{Name: m.Name, Kind: m.Kind, Summary: m.Summary})
			}
			return push(L, "list", rows)
		},
		"help": func(L *lua.LState) int {
			name := L.CheckString(1)
			m, err := e.registry.Get(name)
			if err != nil || !e.policy.Allows(name) {
				return raiseValidation(L, "help", "no module %q available to this execution", name)
			}
			return push(L, "help", m)
		},
	})
	return mod, nil
}
