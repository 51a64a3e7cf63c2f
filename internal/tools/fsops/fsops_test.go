package fsops

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemode-runtime/internal/tools"
)

func setup(t *testing.T) (string, *Ops) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	g, err := tools.NewGuard([]string{root}, "")
	require.NoError(t, err)
	ops := New(g)
	ops.now = func() time.Time { return time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC) }
	return root, ops
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

const fiveLines = "one\ntwo\nthree\nfour\nfive\n"

func TestCopyLines(t *testing.T) {
	root, ops := setup(t)
	write(t, filepath.Join(root, "a.py"), fiveLines)

	tests := []struct {
		name       string
		start, end int
		want       string
		wantKind   tools.Kind
	}{
		{"single line", 2, 2, "two\n", ""},
		{"range", 2, 4, "two\nthree\nfour\n", ""},
		{"whole file", 1, 5, fiveLines, ""},
		{"past end", 10, 20, "", tools.KindValidation},
		{"end past end", 4, 6, "", tools.KindValidation},
		{"zero start", 0, 2, "", tools.KindValidation},
		{"inverted", 3, 2, "", tools.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ops.CopyLines("a.py", tt.start, tt.end)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, tools.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCopyLines_OutOfBoundsMessage(t *testing.T) {
	root, ops := setup(t)
	write(t, filepath.Join(root, "a.py"), fiveLines)

	_, err := ops.CopyLines("a.py", 10, 20)
	require.Error(t, err)
	assert.True(t, tools.IsValidation(err))
	assert.Contains(t, err.Error(), "out of bounds for 5-line file")
}

func TestCopyLines_MissingFile(t *testing.T) {
	_, ops := setup(t)
	_, err := ops.CopyLines("nope.py", 1, 1)
	assert.True(t, tools.IsValidation(err))
}

func TestPasteCode(t *testing.T) {
	tests := []struct {
		name    string
		initial string
		line    int
		code    string
		want    string
	}{
		{"prepend", fiveLines, 1, "zero", "zero\n" + fiveLines},
		{"middle", fiveLines, 3, "a\nb\n", "one\ntwo\na\nb\nthree\nfour\nfive\n"},
		{"append", fiveLines, 6, "six", fiveLines + "six\n"},
		{"append without final newline", "one\ntwo", 3, "three\n", "one\ntwo\nthree\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, ops := setup(t)
			path := filepath.Join(root, "f.txt")
			write(t, path, tt.initial)

			res, err := ops.PasteCode("f.txt", tt.line, tt.code, PasteOptions{})
			require.NoError(t, err)
			assert.False(t, res.Created)
			assert.Empty(t, res.Backup)
			assert.Equal(t, tt.want, read(t, path))
		})
	}
}

func TestPasteCode_CreatesFile(t *testing.T) {
	root, ops := setup(t)

	res, err := ops.PasteCode("new/dir/f.go", 1, "package main\n", PasteOptions{})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.LinesInserted)
	assert.Equal(t, "package main\n", read(t, filepath.Join(root, "new", "dir", "f.go")))

	_, err = ops.PasteCode("other.go", 3, "x", PasteOptions{})
	assert.True(t, tools.IsValidation(err))
	assert.NoFileExists(t, filepath.Join(root, "other.go"))
}

func TestPasteCode_Backup(t *testing.T) {
	root, ops := setup(t)
	path := filepath.Join(root, "f.txt")
	write(t, path, fiveLines)

	res, err := ops.PasteCode("f.txt", 2, "inserted", PasteOptions{Backup: true})
	require.NoError(t, err)
	assert.Equal(t, path+".20240309T140507.bak", res.Backup)
	assert.Equal(t, fiveLines, read(t, res.Backup))
	assert.Equal(t, "one\ninserted\ntwo\nthree\nfour\nfive\n", read(t, path))
}

func TestPasteCode_PastEnd(t *testing.T) {
	root, ops := setup(t)
	path := filepath.Join(root, "f.txt")
	write(t, path, fiveLines)

	_, err := ops.PasteCode("f.txt", 9, "x", PasteOptions{})
	assert.True(t, tools.IsValidation(err))
	assert.Equal(t, fiveLines, read(t, path))
}

func TestOutsideRootsDoesNoIO(t *testing.T) {
	_, ops := setup(t)
	outside, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	target := filepath.Join(outside, "victim.txt")

	_, err = ops.PasteCode(target, 1, "pwned", PasteOptions{})
	assert.True(t, tools.IsNotAllowed(err))
	assert.NoFileExists(t, target)

	_, err = ops.WriteFile(target, "pwned")
	assert.True(t, tools.IsNotAllowed(err))
	assert.NoFileExists(t, target)

	_, err = ops.ReadFile("/etc/passwd")
	assert.True(t, tools.IsNotAllowed(err))

	_, err = ops.CopyLines("../../../etc/passwd", 1, 1)
	assert.True(t, tools.IsNotAllowed(err))
}

func TestSearchReplace(t *testing.T) {
	root, ops := setup(t)
	write(t, filepath.Join(root, "a.py"), "foo = 1\nprint(foo)\n")
	write(t, filepath.Join(root, "pkg", "b.py"), "foo.bar\n")
	write(t, filepath.Join(root, "pkg", "c.txt"), "foo\n")
	write(t, filepath.Join(root, "d.py"), "nothing here\n")

	res, err := ops.SearchReplace(".", "**/*.py", "foo", "baz", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesModified)
	assert.Equal(t, 3, res.TotalReplacements)
	assert.Equal(t, "baz = 1\nprint(baz)\n", read(t, filepath.Join(root, "a.py")))
	assert.Equal(t, "baz.bar\n", read(t, filepath.Join(root, "pkg", "b.py")))
	assert.Equal(t, "foo\n", read(t, filepath.Join(root, "pkg", "c.txt")))
}

func TestSearchReplace_ContinuesPastFailingFile(t *testing.T) {
	root, ops := setup(t)
	ops.maxBytes = 32
	write(t, filepath.Join(root, "a.txt"), "foo\n")
	write(t, filepath.Join(root, "b.txt"), "foo "+strings.Repeat("x", 64)+"\n")
	write(t, filepath.Join(root, "c.txt"), "foo foo\n")

	res, err := ops.SearchReplace(".", "*.txt", "foo", "bar", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesModified)
	assert.Equal(t, 3, res.TotalReplacements)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, filepath.Join(root, "b.txt"), res.Errors[0].Path)
	assert.Equal(t, tools.KindValidation, res.Errors[0].Kind)
	assert.Equal(t, "bar bar\n", read(t, filepath.Join(root, "c.txt")))

	_, err = ops.SearchReplace("/", "*.txt", "foo", "bar", false)
	assert.True(t, tools.IsNotAllowed(err), "got %v", err)
}

func TestSearchReplace_LiteralVsRegex(t *testing.T) {
	root, ops := setup(t)
	path := filepath.Join(root, "a.txt")
	write(t, path, "a.b axb\n")

	res, err := ops.SearchReplace(".", "*.txt", "a.b", "X", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalReplacements)
	assert.Equal(t, "X axb\n", read(t, path))

	res, err = ops.SearchReplace(".", "*.txt", `a(x)b`, "<$1>", true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalReplacements)
	assert.Equal(t, "X <x>\n", read(t, path))

	_, err = ops.SearchReplace(".", "*.txt", "(", "", true)
	assert.True(t, tools.IsValidation(err))
}

func TestWriteReadListDir(t *testing.T) {
	root, ops := setup(t)

	n, err := ops.WriteFile("docs/readme.md", "hello")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := ops.ReadFile("docs/readme.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	write(t, filepath.Join(root, "docs", "sub", "x"), "")
	entries, err := ops.ListDir("docs")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{
		{Name: "readme.md", Size: 5},
		{Name: "sub", IsDir: true, Size: entries[1].Size},
	}, entries)

	files, err := ops.SearchFiles(".", "**/*.md")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "docs", "readme.md")}, files)
}

func TestBatch(t *testing.T) {
	root, ops := setup(t)
	good := filepath.Join(root, "good.txt")
	bad := filepath.Join(root, "bad.txt")
	write(t, good, fiveLines)
	write(t, bad, fiveLines)

	results := ops.Batch([]BatchOp{
		{Op: BatchPaste, Path: "good.txt", Line: 1, Code: "zero"},
		{Op: BatchReplace, Path: "bad.txt", Pattern: "two", Replacement: "TWO"},
		{Op: BatchDeleteLines, Path: "good.txt", Start: 3, End: 4},
		{Op: BatchDeleteLines, Path: "bad.txt", Start: 4, End: 40},
		{Op: BatchReplace, Path: "good.txt", Pattern: `f(\w+)`, Replacement: "F$1", Regex: true},
		{Op: "explode", Path: "good.txt"},
		{Op: BatchPaste, Path: "/etc/passwd", Line: 1, Code: "x"},
	})
	require.Len(t, results, 7)

	assert.True(t, results[0].OK)
	assert.True(t, results[2].OK)
	assert.True(t, results[4].OK)
	assert.Equal(t, "zero\none\nFour\nFive\n", read(t, good))

	assert.False(t, results[1].OK)
	assert.False(t, results[3].OK)
	require.NotNil(t, results[3].Error)
	assert.Equal(t, tools.KindValidation, results[3].Error.Kind)
	assert.Contains(t, results[3].Error.Message, "out of bounds")
	assert.Equal(t, fiveLines, read(t, bad), "failed file must be untouched")

	assert.False(t, results[5].OK)
	assert.Equal(t, tools.KindValidation, results[5].Error.Kind)
	assert.False(t, results[6].OK)
	assert.Equal(t, tools.KindNotAllowed, results[6].Error.Kind)
}

func TestBatch_CreatesFile(t *testing.T) {
	root, ops := setup(t)

	results := ops.Batch([]BatchOp{
		{Op: BatchPaste, Path: "n.txt", Line: 1, Code: "b"},
		{Op: BatchPaste, Path: "n.txt", Line: 1, Code: "a"},
	})
	assert.True(t, results[0].OK)
	assert.True(t, results[1].OK)
	assert.Equal(t, "a\nb\n", read(t, filepath.Join(root, "n.txt")))

	results = ops.Batch([]BatchOp{{Op: BatchDeleteLines, Path: "missing.txt", Start: 1, End: 1}})
	assert.False(t, results[0].OK)
	assert.NoFileExists(t, filepath.Join(root, "missing.txt"))
}
