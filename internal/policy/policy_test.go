package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	dir := t.TempDir()

	p, err := New(Spec{AllowedDirectories: []string{dir}})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, p.Timeout())
	assert.Equal(t, 256, p.MemoryLimitMB())
	assert.ElementsMatch(t, KnownModules(), p.AllowedImports())

	canon, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{canon}, p.AllowedDirectories())
}

func TestNew_Rejects(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name string
		spec Spec
	}{
		{"no directories", Spec{}},
		{"blank directories", Spec{AllowedDirectories: []string{" ", ""}}},
		{"missing directory", Spec{AllowedDirectories: []string{filepath.Join(dir, "nope")}}},
		{"file as directory", Spec{AllowedDirectories: []string{file}}},
		{"filesystem root", Spec{AllowedDirectories: []string{"/"}}},
		{"timeout too large", Spec{AllowedDirectories: []string{dir}, TimeoutSeconds: 601}},
		{"negative timeout", Spec{AllowedDirectories: []string{dir}, TimeoutSeconds: -1}},
		{"timeout above configured max", Spec{AllowedDirectories: []string{dir}, TimeoutSeconds: 20, MaxTimeoutSeconds: 10}},
		{"memory too small", Spec{AllowedDirectories: []string{dir}, MemoryLimitMB: 8}},
		{"unknown import", Spec{AllowedDirectories: []string{dir}, AllowedImports: []string{"os"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec)
			require.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestAllows(t *testing.T) {
	p, err := New(Spec{AllowedDirectories: []string{t.TempDir()}, AllowedImports: []string{"fs", "json"}})
	require.NoError(t, err)

	assert.True(t, p.Allows("fs"))
	assert.True(t, p.Allows("json"))
	assert.False(t, p.Allows("git"))
	assert.False(t, p.Allows("os"))
}

func TestContainsPath_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	p, err := New(Spec{AllowedDirectories: []string{root}})
	require.NoError(t, err)

	assert.True(t, p.ContainsPath(filepath.Join(root, "a", "b.txt")))
	assert.False(t, p.ContainsPath(filepath.Join(root, "link", "secret.txt")))
	assert.False(t, p.ContainsPath(filepath.Join(root, "..", "x")))
	assert.False(t, p.ContainsPath(root+"evil"))
}

func TestResolveWorkingDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	canonRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	p, err := New(Spec{AllowedDirectories: []string{root}})
	require.NoError(t, err)

	wd, err := p.ResolveWorkingDirectory("")
	require.NoError(t, err)
	assert.Equal(t, canonRoot, wd)

	wd, err = p.ResolveWorkingDirectory("sub")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(canonRoot, "sub"), wd)

	_, err = p.ResolveWorkingDirectory(t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = p.ResolveWorkingDirectory("missing")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/tmp/a", "/tmp/a"))
	assert.True(t, Within("/tmp/a", "/tmp/a/b"))
	assert.False(t, Within("/tmp/a", "/tmp/ab"))
	assert.False(t, Within("/tmp/a", "/tmp"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b c"}, SplitList(" /a, ,/b c,"))
	assert.Nil(t, SplitList(""))
}
