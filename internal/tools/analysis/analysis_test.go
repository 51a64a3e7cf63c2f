package analysis

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemode-runtime/internal/tools"
)

const goSample = `package sample

import (
	"fmt"
	"strings"
)

type Shape interface {
	Area() float64
}

type Rect struct {
	W, H float64
}

type ID string

func (r *Rect) Area() float64 {
	return r.W * r.H
}

func Classify(n int) string {
	if n < 0 && n > -10 {
		return "small negative"
	}
	for i := 0; i < n; i++ {
		switch {
		case i%2 == 0:
			fmt.Println("even")
		default:
			fmt.Println(strings.Repeat("o", i))
		}
	}
	return "done"
}
`

const luaSample = `local json = require("json")
local fs = require "fs"

local M = {}

M.limit = 10

function M.scan(items)
  local n = 0
  for _, item in ipairs(items) do
    if item.ok and item.size > M.limit then
      n = n + 1
    end
  end
  return n
end

function M:describe()
  return "scanner"
end

local function helper(x)
  while x > 0 do
    x = x - 1
  end
  return x or 0
end

return M
`

func setup(t *testing.T, files map[string]string) (string, *Analyzer) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	g, err := tools.NewGuard([]string{root}, "")
	require.NoError(t, err)
	return root, New(g)
}

func byName(t *testing.T, syms []Symbol, name string) Symbol {
	t.Helper()
	for _, s := range syms {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("symbol %q not found in %+v", name, syms)
	return Symbol{}
}

func TestAnalyze_Go(t *testing.T) {
	root, a := setup(t, map[string]string{"sample.go": goSample})

	sum, err := a.Analyze("sample.go")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "sample.go"), sum.Path)
	assert.Equal(t, "go", sum.Language)
	assert.Equal(t, 35, sum.Lines)
	assert.Equal(t, []string{"fmt", "strings"}, sum.Imports)

	require.Len(t, sum.Types, 3)
	assert.Equal(t, Symbol{Name: "Shape", Kind: KindInterface, StartLine: 8, EndLine: 10}, sum.Types[0])
	assert.Equal(t, KindStruct, sum.Types[1].Kind)
	assert.Equal(t, Symbol{Name: "ID", Kind: KindType, StartLine: 16, EndLine: 16}, sum.Types[2])

	area := byName(t, sum.Functions, "Area")
	assert.Equal(t, KindMethod, area.Kind)
	assert.Equal(t, "Rect", area.Receiver)
	assert.Equal(t, 18, area.StartLine)
	assert.Equal(t, 20, area.EndLine)
	assert.Equal(t, 1, area.Complexity)

	classify := byName(t, sum.Functions, "Classify")
	assert.Equal(t, KindFunction, classify.Kind)
	assert.Equal(t, 22, classify.StartLine)
	assert.Equal(t, 35, classify.EndLine)
	assert.Equal(t, 5, classify.Complexity)

	assert.Equal(t, 6, sum.Complexity)
}

func TestAnalyze_Lua(t *testing.T) {
	_, a := setup(t, map[string]string{"scan.lua": luaSample})

	sum, err := a.Analyze("scan.lua")
	require.NoError(t, err)

	assert.Equal(t, "lua", sum.Language)
	assert.Equal(t, 29, sum.Lines)
	assert.Equal(t, []string{"json", "fs"}, sum.Imports)

	require.Len(t, sum.Types, 1)
	assert.Equal(t, "M", sum.Types[0].Name)
	assert.Equal(t, KindTable, sum.Types[0].Kind)

	require.Len(t, sum.Functions, 3)
	scan := byName(t, sum.Functions, "M.scan")
	assert.Equal(t, KindFunction, scan.Kind)
	assert.Equal(t, 8, scan.StartLine)
	assert.Equal(t, 4, scan.Complexity)

	describe := byName(t, sum.Functions, "M:describe")
	assert.Equal(t, KindMethod, describe.Kind)
	assert.Equal(t, "M", describe.Receiver)
	assert.Equal(t, 1, describe.Complexity)

	helper := byName(t, sum.Functions, "helper")
	assert.Equal(t, 3, helper.Complexity)

	assert.Equal(t, 6, sum.Complexity)
}

func TestAnalyze_Errors(t *testing.T) {
	_, a := setup(t, map[string]string{
		"bad.go":    "package x\nfunc {",
		"bad.lua":   "function (",
		"script.py": "print('hi')\n",
	})

	tests := []struct {
		path string
		want tools.Kind
	}{
		{"bad.go", tools.KindParse},
		{"bad.lua", tools.KindParse},
		{"script.py", tools.KindValidation},
		{"missing.go", tools.KindValidation},
		{"/etc/hosts.go", tools.KindNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			sum, err := a.Analyze(tt.path)
			require.Error(t, err)
			assert.Nil(t, sum)
			assert.Equal(t, tt.want, tools.KindOf(err))
		})
	}
}

func TestAnalyzeGlob(t *testing.T) {
	root, a := setup(t, map[string]string{
		"sample.go":     goSample,
		"lib/scan.lua":  luaSample,
		"lib/broken.go": "package broken\nfunc (",
		"README.md":     "# hi\n",
	})

	out, err := a.AnalyzeGlob(context.Background(), ".", "**/*")
	require.NoError(t, err)

	require.Len(t, out.Files, 2)
	assert.Equal(t, filepath.Join(root, "lib", "scan.lua"), out.Files[0].Path)
	assert.Equal(t, filepath.Join(root, "sample.go"), out.Files[1].Path)

	require.Len(t, out.Errors, 1)
	assert.Equal(t, filepath.Join(root, "lib", "broken.go"), out.Errors[0].Path)
	assert.Equal(t, tools.KindParse, out.Errors[0].Kind)
	assert.Equal(t, 1, out.Skipped)
}

func TestAnalyzeGlob_Cancelled(t *testing.T) {
	_, a := setup(t, map[string]string{"a.go": goSample})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.AnalyzeGlob(ctx, ".", "*.go")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLuaRequires(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{"none", `print("hi")`, []string{}},
		{"call and string sugar", `local a = require("fs") local b = require 'json'`, []string{"fs", "json"}},
		{"duplicates", `require("fs") require("fs")`, []string{"fs"}},
		{"nested in function", `local function f() return require("git") end`, []string{"git"}},
		{"inside table", `local t = { mod = require("os") }`, []string{"os"}},
		{"dynamic ignored", `local n = "io" local m = require(n)`, []string{}},
		{"method named require ignored", `obj:require("x")`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LuaRequires(tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLuaRequires_SyntaxError(t *testing.T) {
	_, err := LuaRequires("local = = 1")
	assert.Error(t, err)
}
