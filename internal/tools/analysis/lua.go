package analysis

import (
	"bytes"
	"strings"

	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

func parseLua(path string, src []byte) (*FileSummary, error) {
	chunk, err := parse.Parse(bytes.NewReader(src), path)
	if err != nil {
		return nil, err
	}

	w := &luaWalker{sum: newSummary(), seenImport: map[string]bool{}}
	w.stmts(chunk, 0)
	w.sum.Complexity = 1 + w.decisions
	return w.sum, nil
}

// LuaRequires returns the distinct module names passed as string literals
// to require() anywhere in code, in order of first appearance.
func LuaRequires(code string) ([]string, error) {
	chunk, err := parse.Parse(strings.NewReader(code), "<snippet>")
	if err != nil {
		return nil, err
	}
	w := &luaWalker{sum: newSummary(), seenImport: map[string]bool{}}
	w.stmts(chunk, 0)
	return w.sum.Imports, nil
}

// luaWalker visits a chunk once, collecting named functions, top-level
// tables, literal requires and branch counts. depth is the function nesting
// level; 0 is the chunk itself.
type luaWalker struct {
	sum        *FileSummary
	seenImport map[string]bool
	decisions  int
}

func (w *luaWalker) stmts(stmts []ast.Stmt, depth int) {
	for _, s := range stmts {
		w.stmt(s, depth)
	}
}

func (w *luaWalker) stmt(s ast.Stmt, depth int) {
	switch s := s.(type) {
	case *ast.AssignStmt:
		w.exprs(s.Lhs, depth)
		for i, rhs := range s.Rhs {
			name := ""
			if i < len(s.Lhs) {
				name = exprName(s.Lhs[i])
			}
			w.value(name, rhs, s.Line(), depth)
		}

	case *ast.LocalAssignStmt:
		for i, rhs := range s.Exprs {
			name := ""
			if i < len(s.Names) {
				name = s.Names[i]
			}
			w.value(name, rhs, s.Line(), depth)
		}

	case *ast.FuncCallStmt:
		w.expr(s.Expr, depth)

	case *ast.DoBlockStmt:
		w.stmts(s.Stmts, depth)

	case *ast.WhileStmt:
		w.decisions++
		w.expr(s.Condition, depth)
		w.stmts(s.Stmts, depth)

	case *ast.RepeatStmt:
		w.decisions++
		w.stmts(s.Stmts, depth)
		w.expr(s.Condition, depth)

	case *ast.IfStmt:
		w.decisions++
		w.expr(s.Condition, depth)
		w.stmts(s.Then, depth)
		w.stmts(s.Else, depth)

	case *ast.NumberForStmt:
		w.decisions++
		w.expr(s.Init, depth)
		w.expr(s.Limit, depth)
		w.expr(s.Step, depth)
		w.stmts(s.Stmts, depth)

	case *ast.GenericForStmt:
		w.decisions++
		w.exprs(s.Exprs, depth)
		w.stmts(s.Stmts, depth)

	case *ast.FuncDefStmt:
		name, recv := funcName(s.Name)
		if name == "" {
			w.stmts(s.Func.Stmts, depth+1)
			return
		}
		w.function(name, recv, s.Func, s.Line())

	case *ast.ReturnStmt:
		w.exprs(s.Exprs, depth)
	}
}

// value walks an expression bound to name, recording it when it is a
// function or a top-level table.
func (w *luaWalker) value(name string, e ast.Expr, line, depth int) {
	switch v := e.(type) {
	case *ast.FunctionExpr:
		if name != "" {
			w.function(name, "", v, line)
			return
		}
	case *ast.TableExpr:
		if name != "" && depth == 0 {
			w.sum.Types = append(w.sum.Types, Symbol{
				Name:      name,
				Kind:      KindTable,
				StartLine: line,
				EndLine:   lastLine(v, line),
			})
			w.fields(name, v, depth)
			return
		}
	}
	w.expr(e, depth)
}

// fields walks a table constructor, naming `key = function` entries
// after the table they belong to.
func (w *luaWalker) fields(table string, t *ast.TableExpr, depth int) {
	for _, f := range t.Fields {
		key, ok := f.Key.(*ast.StringExpr)
		if fn, isFn := f.Value.(*ast.FunctionExpr); ok && isFn {
			w.function(table+"."+key.Value, "", fn, fn.Line())
			continue
		}
		w.expr(f.Key, depth)
		w.expr(f.Value, depth)
	}
}

func (w *luaWalker) function(name, recv string, fn *ast.FunctionExpr, line int) {
	before := w.decisions
	w.stmts(fn.Stmts, 1)
	kind := KindFunction
	if recv != "" {
		kind = KindMethod
	}
	w.sum.Functions = append(w.sum.Functions, Symbol{
		Name:       name,
		Kind:       kind,
		Receiver:   recv,
		StartLine:  line,
		EndLine:    lastLine(fn, line),
		Complexity: 1 + w.decisions - before,
	})
}

func (w *luaWalker) exprs(exprs []ast.Expr, depth int) {
	for _, e := range exprs {
		w.expr(e, depth)
	}
}

func (w *luaWalker) expr(e ast.Expr, depth int) {
	switch e := e.(type) {
	case nil:
	case *ast.FuncCallExpr:
		if ident, ok := e.Func.(*ast.IdentExpr); ok && ident.Value == "require" && e.Receiver == nil && len(e.Args) > 0 {
			if lit, ok := e.Args[0].(*ast.StringExpr); ok && !w.seenImport[lit.Value] {
				w.seenImport[lit.Value] = true
				w.sum.Imports = append(w.sum.Imports, lit.Value)
			}
		}
		w.expr(e.Func, depth)
		w.expr(e.Receiver, depth)
		w.exprs(e.Args, depth)

	case *ast.FunctionExpr:
		w.stmts(e.Stmts, depth+1)

	case *ast.LogicalOpExpr:
		w.decisions++
		w.expr(e.Lhs, depth)
		w.expr(e.Rhs, depth)

	case *ast.RelationalOpExpr:
		w.expr(e.Lhs, depth)
		w.expr(e.Rhs, depth)

	case *ast.ArithmeticOpExpr:
		w.expr(e.Lhs, depth)
		w.expr(e.Rhs, depth)

	case *ast.StringConcatOpExpr:
		w.expr(e.Lhs, depth)
		w.expr(e.Rhs, depth)

	case *ast.UnaryMinusOpExpr:
		w.expr(e.Expr, depth)
	case *ast.UnaryNotOpExpr:
		w.expr(e.Expr, depth)
	case *ast.UnaryLenOpExpr:
		w.expr(e.Expr, depth)

	case *ast.AttrGetExpr:
		w.expr(e.Object, depth)
		w.expr(e.Key, depth)

	case *ast.TableExpr:
		for _, f := range e.Fields {
			w.expr(f.Key, depth)
			w.expr(f.Value, depth)
		}
	}
}

// funcName splits `function a.b.c:m()` into ("a.b.c:m", "a.b.c") and
// `function a.b()` into ("a.b", "").
func funcName(n *ast.FuncName) (string, string) {
	if n == nil {
		return "", ""
	}
	if n.Receiver != nil {
		recv := exprName(n.Receiver)
		return recv + ":" + n.Method, recv
	}
	return exprName(n.Func), ""
}

// exprName renders identifiers and dotted field access; anything else has
// no stable name.
func exprName(e ast.Expr) string {
	switch e := e.(type) {
	case *ast.IdentExpr:
		return e.Value
	case *ast.AttrGetExpr:
		obj := exprName(e.Object)
		key, ok := e.Key.(*ast.StringExpr)
		if obj == "" || !ok {
			return ""
		}
		return obj + "." + key.Value
	}
	return ""
}

func lastLine(n interface{ LastLine() int }, fallback int) int {
	if l := n.LastLine(); l >= fallback {
		return l
	}
	return fallback
}
