// Package fsops implements line-oriented file editing restricted to the
// allowed directories.
package fsops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"codemode-runtime/internal/tools"
)

// BackupTimeFormat is the timestamp embedded in backup file names.
const BackupTimeFormat = "20060102T150405"

// Ops exposes the filesystem tool calls.
type Ops struct {
	guard    *tools.Guard
	maxBytes int64
	now      func() time.Time
}

// New returns Ops bound to guard.
func New(guard *tools.Guard) *Ops {
	return &Ops{guard: guard, maxBytes: tools.DefaultMaxFileBytes, now: time.Now}
}

// PasteOptions tunes PasteCode.
type PasteOptions struct {
	Backup bool
}

// PasteResult describes a completed insertion.
type PasteResult struct {
	Path          string `json:"path"`
	Line          int    `json:"line"`
	LinesInserted int    `json:"lines_inserted"`
	Created       bool   `json:"created"`
	Backup        string `json:"backup,omitempty"`
}

// FileChange is the per-file outcome of a multi-file edit.
type FileChange struct {
	Path         string `json:"path"`
	Replacements int    `json:"replacements"`
}

// ReplaceResult summarizes SearchReplace.
type ReplaceResult struct {
	FilesModified     int               `json:"files_modified"`
	TotalReplacements int               `json:"total_replacements"`
	Files             []FileChange      `json:"files"`
	Errors            []tools.FileError `json:"errors"`
}

// DirEntry is one ListDir row.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// CopyLines returns lines start..end (1-based, inclusive) of path.
func (o *Ops) CopyLines(path string, start, end int) (string, error) {
	const op = "copy_lines"
	if start < 1 || end < start {
		return "", tools.Validation(op, path, "invalid line range %d-%d", start, end)
	}
	abs, err := o.guard.Resolve(op, path)
	if err != nil {
		return "", err
	}
	data, err := tools.ReadFileLimited(op, abs, o.maxBytes)
	if err != nil {
		return "", err
	}
	lines := splitLines(string(data))
	if end > len(lines) {
		return "", tools.Validation(op, path, "line range %d-%d out of bounds for %d-line file", start, end, len(lines))
	}
	return strings.Join(lines[start-1:end], ""), nil
}

// PasteCode inserts code before line (1-based). line may be one past the last
// line to append. A missing file is created when line is 1.
func (o *Ops) PasteCode(path string, line int, code string, opts PasteOptions) (*PasteResult, error) {
	const op = "paste_code"
	if line < 1 {
		return nil, tools.Validation(op, path, "line number must be >= 1, got %d", line)
	}
	abs, err := o.guard.Resolve(op, path)
	if err != nil {
		return nil, err
	}

	var lines []string
	created := false
	data, err := tools.ReadFileLimited(op, abs, o.maxBytes)
	switch {
	case err == nil:
		lines = splitLines(string(data))
	case errors.Is(err, fs.ErrNotExist):
		if line != 1 {
			return nil, tools.Validation(op, path, "file does not exist; can only paste at line 1")
		}
		created = true
	default:
		return nil, err
	}

	updated, inserted, err := insertLines(lines, line, code)
	if err != nil {
		return nil, tools.Validation(op, path, "%v", err)
	}

	res := &PasteResult{Path: abs, Line: line, LinesInserted: inserted, Created: created}
	if opts.Backup && !created {
		backup, err := o.backup(op, abs, data)
		if err != nil {
			return nil, err
		}
		res.Backup = backup
	}

	if created {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, tools.IO(op, path, err)
		}
	}
	if err := tools.WriteFileAtomic(abs, []byte(strings.Join(updated, "")), 0o644); err != nil {
		return nil, tools.IO(op, path, err)
	}
	return res, nil
}

func (o *Ops) backup(op, abs string, data []byte) (string, error) {
	name := abs + "." + o.now().Format(BackupTimeFormat) + ".bak"
	if _, err := o.guard.Resolve(op, name); err != nil {
		return "", err
	}
	if err := tools.WriteFileAtomic(name, data, 0o644); err != nil {
		return "", tools.IO(op, name, err)
	}
	return name, nil
}

// SearchReplace replaces pattern with replacement in every file matching glob
// below root. Each file is rewritten atomically; files without matches are
// left untouched. Files that cannot be read or written are listed in Errors
// and do not stop the rest.
func (o *Ops) SearchReplace(root, glob, pattern, replacement string, useRegex bool) (*ReplaceResult, error) {
	const op = "search_replace"
	if pattern == "" {
		return nil, tools.Validation(op, "", "pattern must not be empty")
	}
	re, err := compilePattern(pattern, useRegex)
	if err != nil {
		return nil, tools.Validation(op, "", "invalid pattern %q: %v", pattern, err)
	}
	files, err := o.guard.Glob(op, root, glob)
	if err != nil {
		return nil, err
	}

	res := &ReplaceResult{Files: []FileChange{}, Errors: []tools.FileError{}}
	for _, f := range files {
		data, err := tools.ReadFileLimited(op, f, o.maxBytes)
		if err != nil {
			res.Errors = append(res.Errors, tools.NewFileError(f, err))
			continue
		}
		content := string(data)
		n := len(re.FindAllStringIndex(content, -1))
		if n == 0 {
			continue
		}
		updated := replaceAll(re, content, replacement, useRegex)
		if err := tools.WriteFileAtomic(f, []byte(updated), 0o644); err != nil {
			res.Errors = append(res.Errors, tools.NewFileError(f, tools.IO(op, f, err)))
			continue
		}
		res.FilesModified++
		res.TotalReplacements += n
		res.Files = append(res.Files, FileChange{Path: f, Replacements: n})
	}
	return res, nil
}

// ReadFile returns the content of path.
func (o *Ops) ReadFile(path string) (string, error) {
	const op = "read_file"
	abs, err := o.guard.Resolve(op, path)
	if err != nil {
		return "", err
	}
	data, err := tools.ReadFileLimited(op, abs, o.maxBytes)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile replaces path with content, creating parent directories.
func (o *Ops) WriteFile(path, content string) (int, error) {
	const op = "write_file"
	abs, err := o.guard.Resolve(op, path)
	if err != nil {
		return 0, err
	}
	if int64(len(content)) > o.maxBytes {
		return 0, tools.Validation(op, path, "content is %d bytes, limit is %d", len(content), o.maxBytes)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, tools.IO(op, path, err)
	}
	if err := tools.WriteFileAtomic(abs, []byte(content), 0o644); err != nil {
		return 0, tools.IO(op, path, err)
	}
	return len(content), nil
}

// ListDir lists the immediate children of path, sorted by name.
func (o *Ops) ListDir(path string) ([]DirEntry, error) {
	const op = "list_dir"
	abs, err := o.guard.ResolveDir(op, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, tools.IO(op, path, err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, DirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SearchFiles returns files under root matching glob.
func (o *Ops) SearchFiles(root, glob string) ([]string, error) {
	return o.guard.Glob("search_files", root, glob)
}

func compilePattern(pattern string, useRegex bool) (*regexp.Regexp, error) {
	if useRegex {
		return regexp.Compile(pattern)
	}
	return regexp.Compile(regexp.QuoteMeta(pattern))
}

func replaceAll(re *regexp.Regexp, content, replacement string, useRegex bool) string {
	if useRegex {
		return re.ReplaceAllString(content, replacement)
	}
	return re.ReplaceAllLiteralString(content, replacement)
}

// splitLines splits s keeping line terminators, so joining the result
// reproduces s exactly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func insertLines(lines []string, line int, code string) ([]string, int, error) {
	if line > len(lines)+1 {
		return nil, 0, fmt.Errorf("line %d is past the end of a %d-line file", line, len(lines))
	}
	block := splitLines(code)
	if len(block) == 0 {
		return lines, 0, nil
	}
	if !strings.HasSuffix(block[len(block)-1], "\n") {
		block[len(block)-1] += "\n"
	}

	out := make([]string, 0, len(lines)+len(block))
	out = append(out, lines[:line-1]...)
	if line-1 > 0 && !strings.HasSuffix(out[len(out)-1], "\n") {
		out[len(out)-1] += "\n"
	}
	out = append(out, block...)
	out = append(out, lines[line-1:]...)
	return out, len(block), nil
}
