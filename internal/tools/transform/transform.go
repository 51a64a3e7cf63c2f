// Package transform rewrites groups of files: identifier renames, debug
// statement removal and caller-supplied content functions.
package transform

import (
	"errors"
	"regexp"

	"codemode-runtime/internal/tools"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Func maps a file's content to its new content. path is the canonical path
// of the file being rewritten.
type Func func(content, path string) (string, error)

// FileChange is the per-file outcome of a transform.
type FileChange struct {
	Path         string `json:"path"`
	Replacements int    `json:"replacements"`
}

// Result summarizes a multi-file transform. Files that could not be read,
// transformed or written are listed in Errors.
type Result struct {
	FilesModified     int               `json:"files_modified"`
	TotalReplacements int               `json:"total_replacements"`
	Files             []FileChange      `json:"files"`
	Errors            []tools.FileError `json:"errors"`
}

// Transformer applies transforms to files inside the guarded directories.
type Transformer struct {
	guard    *tools.Guard
	maxBytes int64
}

// New returns a Transformer bound to guard.
func New(guard *tools.Guard) *Transformer {
	return &Transformer{guard: guard, maxBytes: tools.DefaultMaxFileBytes}
}

// RenameIdentifier replaces whole-word occurrences of oldName with newName
// in every file matching glob below root.
func (t *Transformer) RenameIdentifier(root, oldName, newName, glob string) (*Result, error) {
	const op = "rename_identifier"
	for _, name := range []string{oldName, newName} {
		if !identRe.MatchString(name) {
			return nil, tools.Validation(op, "", "%q is not a valid identifier", name)
		}
	}
	if oldName == newName {
		return nil, tools.Validation(op, "", "old and new names are both %q", oldName)
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(oldName) + `\b`)

	return t.each(op, root, glob, func(content, _ string) (string, int, error) {
		n := len(re.FindAllStringIndex(content, -1))
		if n == 0 {
			return content, 0, nil
		}
		return re.ReplaceAllLiteralString(content, newName), n, nil
	})
}

// StripDebug removes single-line debug statements from files matching glob.
// Files whose extension has no known debug statements are left alone.
func (t *Transformer) StripDebug(root, glob string) (*Result, error) {
	return t.each("strip_debug", root, glob, func(content, path string) (string, int, error) {
		out, n := stripDebug(content, path)
		return out, n, nil
	})
}

// BatchRefactor runs fn over every file matching glob and writes back the
// files whose content changed. Each changed file counts as one replacement.
func (t *Transformer) BatchRefactor(root, glob string, fn Func) (*Result, error) {
	const op = "batch_refactor"
	if fn == nil {
		return nil, tools.Validation(op, "", "transform function is required")
	}
	return t.each(op, root, glob, func(content, path string) (string, int, error) {
		out, err := fn(content, path)
		if err != nil {
			var te *tools.Error
			if errors.As(err, &te) {
				return "", 0, te
			}
			return "", 0, tools.Validation(op, path, "transform failed: %v", err)
		}
		if out == content {
			return content, 0, nil
		}
		return out, 1, nil
	})
}

// each rewrites every matching file with apply, writing only files where
// apply reports at least one change. A file that fails is recorded in
// Result.Errors and the remaining files are still processed; only a bad root
// or glob fails the call.
func (t *Transformer) each(op, root, glob string, apply func(content, path string) (string, int, error)) (*Result, error) {
	files, err := t.guard.Glob(op, root, glob)
	if err != nil {
		return nil, err
	}

	res := &Result{Files: []FileChange{}, Errors: []tools.FileError{}}
	for _, f := range files {
		data, err := tools.ReadFileLimited(op, f, t.maxBytes)
		if err != nil {
			res.Errors = append(res.Errors, tools.NewFileError(f, err))
			continue
		}
		out, n, err := apply(string(data), f)
		if err != nil {
			res.Errors = append(res.Errors, tools.NewFileError(f, err))
			continue
		}
		if n == 0 {
			continue
		}
		if err := tools.WriteFileAtomic(f, []byte(out), 0o644); err != nil {
			res.Errors = append(res.Errors, tools.NewFileError(f, tools.IO(op, f, err)))
			continue
		}
		res.FilesModified++
		res.TotalReplacements += n
		res.Files = append(res.Files, FileChange{Path: f, Replacements: n})
	}
	return res, nil
}
