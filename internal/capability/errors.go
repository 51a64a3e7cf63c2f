package capability

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"codemode-runtime/internal/store"
	"codemode-runtime/internal/tools"
)

const toolErrorMeta = "codemode.ToolError"

// ToolError is the Go view of an error table raised into Lua.
type ToolError struct {
	Kind    tools.Kind
	Op      string
	Path    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// toToolError classifies any error a module function returns.
func toToolError(op string, err error) *ToolError {
	var te *tools.Error
	if errors.As(err, &te) {
		return &ToolError{Kind: te.Kind, Op: te.Op, Path: te.Path, Message: te.Message()}
	}
	kind := tools.KindIO
	switch {
	case errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, store.ErrSkillNotFound),
		errors.Is(err, store.ErrSessionExists):
		kind = tools.KindValidation
	}
	return &ToolError{Kind: kind, Op: op, Message: fmt.Sprintf("%s: %v", op, err)}
}

// raise throws err into Lua as a table {kind, op, path, message} whose
// tostring is "<kind>: <message>". Callers using pcall can branch on
// err.kind. raise does not return.
func raise(L *lua.LState, op string, err error) int {
	te := toToolError(op, err)
	t := L.NewTable()
	t.RawSetString("kind", lua.LString(te.Kind))
	t.RawSetString("op", lua.LString(te.Op))
	if te.Path != "" {
		t.RawSetString("path", lua.LString(te.Path))
	}
	t.RawSetString("message", lua.LString(te.Message))
	L.SetMetatable(t, toolErrorMetatable(L))
	L.Error(t, 1)
	return 0
}

// raiseValidation raises a ValidationError for bad arguments.
func raiseValidation(L *lua.LState, op, format string, args ...any) int {
	return raise(L, op, tools.Validation(op, "", format, args...))
}

func toolErrorMetatable(L *lua.LState) *lua.LTable {
	if mt, ok := L.GetTypeMetatable(toolErrorMeta).(*lua.LTable); ok {
		return mt
	}
	mt := L.NewTypeMetatable(toolErrorMeta)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		self := L.CheckTable(1)
		L.Push(lua.LString(self.RawGetString("kind").String() + ": " + self.RawGetString("message").String()))
		return 1
	}))
	return mt
}

// ToolErrorFrom extracts a ToolError from a value raised into Lua, as found
// in (*lua.ApiError).Object.
func ToolErrorFrom(v lua.LValue) (*ToolError, bool) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, false
	}
	kind, ok := t.RawGetString("kind").(lua.LString)
	if !ok || kind == "" {
		return nil, false
	}
	msg, _ := t.RawGetString("message").(lua.LString)
	op, _ := t.RawGetString("op").(lua.LString)
	path, _ := t.RawGetString("path").(lua.LString)
	return &ToolError{Kind: tools.Kind(kind), Op: string(op), Path: string(path), Message: string(msg)}, true
}
