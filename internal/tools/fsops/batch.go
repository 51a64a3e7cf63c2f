package fsops

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"codemode-runtime/internal/tools"
)

// Batch operation names.
const (
	BatchPaste       = "paste"
	BatchReplace     = "replace"
	BatchDeleteLines = "delete_lines"
)

// BatchOp is one edit in a Batch call. Which fields are read depends on Op.
type BatchOp struct {
	Op          string `json:"op"`
	Path        string `json:"path"`
	Line        int    `json:"line,omitempty"`
	Start       int    `json:"start,omitempty"`
	End         int    `json:"end,omitempty"`
	Code        string `json:"code,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
	Regex       bool   `json:"regex,omitempty"`
}

// ItemError is the serialisable failure of one batch item.
type ItemError struct {
	Kind    tools.Kind `json:"kind"`
	Message string     `json:"message"`
}

// BatchItemResult reports the outcome of ops[Index].
type BatchItemResult struct {
	Index int        `json:"index"`
	Op    string     `json:"op"`
	Path  string     `json:"path"`
	OK    bool       `json:"ok"`
	Error *ItemError `json:"error,omitempty"`
}

type fileEdits struct {
	abs     string
	indexes []int
}

// Batch applies ops grouped by file. Edits to one file run in order against
// an in-memory copy which is written atomically once all of them succeed.
// If any edit to a file fails, nothing is written to that file and every
// item for it is reported failed; other files are unaffected.
func (o *Ops) Batch(ops []BatchOp) []BatchItemResult {
	const op = "batch"
	results := make([]BatchItemResult, len(ops))
	var order []string
	groups := make(map[string]*fileEdits)

	for i, bo := range ops {
		results[i] = BatchItemResult{Index: i, Op: bo.Op, Path: bo.Path}
		if !validBatchOp(bo.Op) {
			results[i].Error = itemError(tools.Validation(op, bo.Path, "unknown batch op %q", bo.Op))
			continue
		}
		abs, err := o.guard.Resolve(op, bo.Path)
		if err != nil {
			results[i].Error = itemError(err)
			continue
		}
		g, ok := groups[abs]
		if !ok {
			g = &fileEdits{abs: abs}
			groups[abs] = g
			order = append(order, abs)
		}
		g.indexes = append(g.indexes, i)
	}

	for _, abs := range order {
		o.applyFile(groups[abs], ops, results)
	}
	return results
}

func (o *Ops) applyFile(g *fileEdits, ops []BatchOp, results []BatchItemResult) {
	const op = "batch"
	fail := func(failed int, err error) {
		for _, i := range g.indexes {
			if i == failed {
				results[i].Error = itemError(err)
				continue
			}
			results[i].Error = &ItemError{
				Kind:    tools.KindValidation,
				Message: "not applied: another edit to this file failed",
			}
		}
	}

	var lines []string
	exists := true
	data, err := tools.ReadFileLimited(op, g.abs, o.maxBytes)
	switch {
	case err == nil:
		lines = splitLines(string(data))
	case errors.Is(err, fs.ErrNotExist):
		exists = false
	default:
		fail(g.indexes[0], err)
		return
	}

	for _, i := range g.indexes {
		bo := ops[i]
		if !exists && !(bo.Op == BatchPaste && bo.Line == 1) {
			fail(i, tools.Validation(op, bo.Path, "file does not exist"))
			return
		}
		next, err := applyEdit(bo, lines)
		if err != nil {
			fail(i, err)
			return
		}
		lines = next
		exists = true
	}

	if err := os.MkdirAll(filepath.Dir(g.abs), 0o755); err != nil {
		fail(g.indexes[0], tools.IO(op, g.abs, err))
		return
	}
	if err := tools.WriteFileAtomic(g.abs, []byte(strings.Join(lines, "")), 0o644); err != nil {
		fail(g.indexes[0], tools.IO(op, g.abs, err))
		return
	}
	for _, i := range g.indexes {
		results[i].OK = true
	}
}

func applyEdit(bo BatchOp, lines []string) ([]string, error) {
	switch bo.Op {
	case BatchPaste:
		if bo.Line < 1 {
			return nil, tools.Validation(bo.Op, bo.Path, "line number must be >= 1, got %d", bo.Line)
		}
		out, _, err := insertLines(lines, bo.Line, bo.Code)
		if err != nil {
			return nil, tools.Validation(bo.Op, bo.Path, "%v", err)
		}
		return out, nil

	case BatchReplace:
		if bo.Pattern == "" {
			return nil, tools.Validation(bo.Op, bo.Path, "pattern must not be empty")
		}
		re, err := compilePattern(bo.Pattern, bo.Regex)
		if err != nil {
			return nil, tools.Validation(bo.Op, bo.Path, "invalid pattern %q: %v", bo.Pattern, err)
		}
		content := strings.Join(lines, "")
		return splitLines(replaceAll(re, content, bo.Replacement, bo.Regex)), nil

	case BatchDeleteLines:
		if bo.Start < 1 || bo.End < bo.Start || bo.End > len(lines) {
			return nil, tools.Validation(bo.Op, bo.Path, "line range %d-%d out of bounds for %d-line file", bo.Start, bo.End, len(lines))
		}
		out := make([]string, 0, len(lines)-(bo.End-bo.Start+1))
		out = append(out, lines[:bo.Start-1]...)
		return append(out, lines[bo.End:]...), nil
	}
	return nil, tools.Validation("batch", bo.Path, "unknown batch op %q", bo.Op)
}

func validBatchOp(name string) bool {
	switch name {
	case BatchPaste, BatchReplace, BatchDeleteLines:
		return true
	}
	return false
}

func itemError(err error) *ItemError {
	var te *tools.Error
	if errors.As(err, &te) {
		return &ItemError{Kind: te.Kind, Message: te.Message()}
	}
	return &ItemError{Kind: tools.KindOf(err), Message: err.Error()}
}
