package analysis

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"

	"golang.org/x/tools/go/ast/inspector"
)

func parseGo(path string, src []byte) (*FileSummary, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, err
	}

	sum := newSummary()
	line := func(p token.Pos) int { return fset.Position(p).Line }

	insp := inspector.New([]*ast.File{f})
	nodeFilter := []ast.Node{
		(*ast.ImportSpec)(nil),
		(*ast.TypeSpec)(nil),
		(*ast.FuncDecl)(nil),
	}
	insp.Preorder(nodeFilter, func(n ast.Node) {
		switch n := n.(type) {
		case *ast.ImportSpec:
			if p, err := strconv.Unquote(n.Path.Value); err == nil {
				sum.Imports = append(sum.Imports, p)
			}

		case *ast.TypeSpec:
			kind := KindType
			switch n.Type.(type) {
			case *ast.StructType:
				kind = KindStruct
			case *ast.InterfaceType:
				kind = KindInterface
			}
			sum.Types = append(sum.Types, Symbol{
				Name:      n.Name.Name,
				Kind:      kind,
				StartLine: line(n.Pos()),
				EndLine:   line(n.End()),
			})

		case *ast.FuncDecl:
			sym := Symbol{
				Name:       n.Name.Name,
				Kind:       KindFunction,
				StartLine:  line(n.Pos()),
				EndLine:    line(n.End()),
				Complexity: 1 + goDecisions(n.Body),
			}
			if n.Recv != nil && len(n.Recv.List) > 0 {
				sym.Kind = KindMethod
				sym.Receiver = receiverName(n.Recv.List[0].Type)
			}
			sum.Functions = append(sum.Functions, sym)
			sum.Complexity += sym.Complexity
		}
	})
	if sum.Complexity == 0 {
		sum.Complexity = 1
	}
	return sum, nil
}

// goDecisions counts branch points below n, including those in closures.
func goDecisions(n ast.Node) int {
	if n == nil {
		return 0
	}
	count := 0
	ast.Inspect(n, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt:
			count++
		case *ast.CaseClause:
			if n.List != nil {
				count++
			}
		case *ast.CommClause:
			if n.Comm != nil {
				count++
			}
		case *ast.BinaryExpr:
			if n.Op == token.LAND || n.Op == token.LOR {
				count++
			}
		}
		return true
	})
	return count
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return ""
}
