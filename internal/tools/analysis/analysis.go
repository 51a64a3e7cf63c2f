// Package analysis produces metadata-only summaries of source files:
// symbols, line ranges, imports and cyclomatic complexity. Source text is
// never part of the output.
package analysis

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"codemode-runtime/internal/tools"
)

// Symbol kinds.
const (
	KindFunction  = "function"
	KindMethod    = "method"
	KindStruct    = "struct"
	KindInterface = "interface"
	KindType      = "type"
	KindTable     = "table"
)

// globWorkers bounds how many files AnalyzeGlob parses at once.
const globWorkers = 8

// Symbol is one named declaration.
type Symbol struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	Receiver   string `json:"receiver,omitempty"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
	Complexity int    `json:"complexity,omitempty"`
}

// FileSummary describes one source file.
type FileSummary struct {
	Path       string   `json:"path"`
	Language   string   `json:"language"`
	Lines      int      `json:"lines"`
	Functions  []Symbol `json:"functions"`
	Types      []Symbol `json:"types"`
	Imports    []string `json:"imports"`
	Complexity int      `json:"complexity"`
}

// FileError records a file AnalyzeGlob could not summarize.
type FileError = tools.FileError

// GlobSummary is the result of AnalyzeGlob.
type GlobSummary struct {
	Files   []FileSummary `json:"files"`
	Errors  []FileError   `json:"errors"`
	Skipped int           `json:"skipped"`
}

type parser func(path string, src []byte) (*FileSummary, error)

var parsers = map[string]struct {
	language string
	parse    parser
}{
	".go":  {"go", parseGo},
	".lua": {"lua", parseLua},
}

// Supported reports whether path has an extension Analyze understands.
func Supported(path string) bool {
	_, ok := parsers[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Languages lists the supported languages.
func Languages() []string {
	out := make([]string, 0, len(parsers))
	for _, p := range parsers {
		out = append(out, p.language)
	}
	sort.Strings(out)
	return out
}

// Analyzer summarizes files inside the guarded directories.
type Analyzer struct {
	guard    *tools.Guard
	maxBytes int64
}

// New returns an Analyzer bound to guard.
func New(guard *tools.Guard) *Analyzer {
	return &Analyzer{guard: guard, maxBytes: tools.DefaultMaxFileBytes}
}

// Analyze summarizes a single file.
func (a *Analyzer) Analyze(path string) (*FileSummary, error) {
	const op = "analyze"
	abs, err := a.guard.Resolve(op, path)
	if err != nil {
		return nil, err
	}
	p, ok := parsers[strings.ToLower(filepath.Ext(abs))]
	if !ok {
		return nil, tools.Validation(op, path, "unsupported file type %q (supported: %s)",
			filepath.Ext(abs), strings.Join(Languages(), ", "))
	}
	src, err := tools.ReadFileLimited(op, abs, a.maxBytes)
	if err != nil {
		return nil, err
	}
	sum, err := p.parse(abs, src)
	if err != nil {
		return nil, tools.Parse(op, path, err)
	}
	sum.Path = abs
	sum.Language = p.language
	sum.Lines = countLines(src)
	return sum, nil
}

// AnalyzeGlob summarizes every supported file matching glob below root.
// Files with other extensions are counted as skipped; files that fail to
// parse are reported in Errors without failing the call.
func (a *Analyzer) AnalyzeGlob(ctx context.Context, root, glob string) (*GlobSummary, error) {
	files, err := a.guard.Glob("analyze_glob", root, glob)
	if err != nil {
		return nil, err
	}

	out := &GlobSummary{Files: []FileSummary{}, Errors: []FileError{}}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(globWorkers)
	for _, f := range files {
		if !Supported(f) {
			out.Skipped++
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sum, err := a.Analyze(f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Errors = append(out.Errors, tools.NewFileError(f, err))
				return nil
			}
			out.Files = append(out.Files, *sum)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Path < out.Files[j].Path })
	sort.Slice(out.Errors, func(i, j int) bool { return out.Errors[i].Path < out.Errors[j].Path })
	return out, nil
}

func countLines(src []byte) int {
	if len(src) == 0 {
		return 0
	}
	n := strings.Count(string(src), "\n")
	if src[len(src)-1] != '\n' {
		n++
	}
	return n
}

func newSummary() *FileSummary {
	return &FileSummary{Functions: []Symbol{}, Types: []Symbol{}, Imports: []string{}}
}
