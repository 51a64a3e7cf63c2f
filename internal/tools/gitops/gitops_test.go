package gitops

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemode-runtime/internal/tools"
	"codemode-runtime/internal/tools/fsops"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func newRepo(t *testing.T) (string, *Repo) {
	t.Helper()
	requireGit(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	gitCmd(t, root, "init", "-q")
	gitCmd(t, root, "symbolic-ref", "HEAD", "refs/heads/main")

	g, err := tools.NewGuard([]string{root}, "")
	require.NoError(t, err)
	return root, New(g)
}

func TestRepo_Workflow(t *testing.T) {
	root, repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a\n"), 0o644))

	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", st.Branch)
	assert.False(t, st.Clean)
	assert.Equal(t, []StatusEntry{{Path: "a.txt", Index: "?", Worktree: "?"}}, st.Entries)

	require.NoError(t, repo.Add(ctx, []string{"a.txt"}))
	hash, err := repo.Commit(ctx, "initial commit", false)
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	st, err = repo.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Clean)

	commits, err := repo.Log(ctx, 5)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, hash, commits[0].Hash)
	assert.Equal(t, "initial commit", commits[0].Subject)
	assert.Equal(t, DefaultAuthorName, commits[0].Author)

	cur, err := repo.Branch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "main", cur)

	created, err := repo.Branch(ctx, "feature/x")
	require.NoError(t, err)
	assert.Equal(t, "feature/x", created)
	cur, err = repo.Branch(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "feature/x", cur)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("b\n"), 0o644))
	_, err = repo.Commit(ctx, "update a", true)
	require.NoError(t, err)
	commits, err = repo.Log(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, commits, 2)
	assert.Equal(t, "update a", commits[0].Subject)
}

func TestRepo_HooksDisabled(t *testing.T) {
	root, repo := newRepo(t)
	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "hook-ran")
	hook := filepath.Join(root, ".git", "hooks", "pre-commit")
	require.NoError(t, os.MkdirAll(filepath.Dir(hook), 0o755))
	require.NoError(t, os.WriteFile(hook, []byte("#!/bin/sh\ntouch "+marker+"\n"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a\n"), 0o644))
	require.NoError(t, repo.Add(ctx, []string{"a.txt"}))
	_, err := repo.Commit(ctx, "with hook", false)
	require.NoError(t, err)
	assert.NoFileExists(t, marker)
}

func TestRepo_ConfigCannotRunCommands(t *testing.T) {
	root, repo := newRepo(t)
	ctx := context.Background()
	marker := filepath.Join(t.TempDir(), "pwned")
	cfgPath := filepath.Join(root, ".git", "config")
	cfg, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	evil := string(cfg) + "[core]\n\tfsmonitor = \"touch " + marker + "; false\"\n"

	g, err := tools.NewGuard([]string{root}, "")
	require.NoError(t, err)
	_, err = fsops.New(g).WriteFile(".git/config", evil)
	assert.True(t, tools.IsNotAllowed(err), "err = %v", err)
	assert.Equal(t, string(cfg), readFile(t, cfgPath))

	// Config planted some other way is still not honored.
	require.NoError(t, os.WriteFile(cfgPath, []byte(evil), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a\n"), 0o644))
	_, err = repo.Status(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.Add(ctx, []string{"a.txt"}))
	_, err = repo.Commit(ctx, "with fsmonitor", false)
	require.NoError(t, err)
	assert.NoFileExists(t, marker)
}

func TestRepo_ParentRepositoryNotAllowed(t *testing.T) {
	requireGit(t)
	t.Setenv("HOME", t.TempDir())
	ctx := context.Background()

	parent, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	gitCmd(t, parent, "init", "-q")
	allowed := filepath.Join(parent, "allowed")
	require.NoError(t, os.Mkdir(allowed, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(allowed, "in.txt"), []byte("in\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "outside-secret.txt"), []byte("secret\n"), 0o644))

	g, err := tools.NewGuard([]string{allowed}, "")
	require.NoError(t, err)
	repo := New(g)

	_, err = repo.Status(ctx)
	assert.True(t, tools.IsNotAllowed(err), "status err = %v", err)
	err = repo.Add(ctx, []string{"in.txt"})
	assert.True(t, tools.IsNotAllowed(err), "add err = %v", err)
	_, err = repo.Commit(ctx, "escape", true)
	assert.True(t, tools.IsNotAllowed(err), "commit err = %v", err)
	_, err = repo.Log(ctx, 1)
	assert.True(t, tools.IsNotAllowed(err), "log err = %v", err)

	out, err := exec.Command("git", "-C", parent, "rev-list", "--all").Output()
	require.NoError(t, err)
	assert.Empty(t, string(out))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRepo_Push(t *testing.T) {
	root, repo := newRepo(t)
	ctx := context.Background()
	remote := t.TempDir()
	gitCmd(t, remote, "init", "-q", "--bare")
	gitCmd(t, root, "remote", "add", "origin", remote)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a\n"), 0o644))
	require.NoError(t, repo.Add(ctx, []string{"."}))
	hash, err := repo.Commit(ctx, "push me", false)
	require.NoError(t, err)

	_, err = repo.Push(ctx, "", "")
	require.NoError(t, err)

	out, err := exec.Command("git", "-C", remote, "rev-parse", "refs/heads/main").Output()
	require.NoError(t, err)
	assert.Equal(t, hash+"\n", string(out))
}

func TestRepo_Rejects(t *testing.T) {
	_, repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.Branch(ctx, "-D")
	assert.True(t, tools.IsValidation(err))
	_, err = repo.Branch(ctx, "a..b")
	assert.True(t, tools.IsValidation(err))
	_, err = repo.Branch(ctx, "x.lock")
	assert.True(t, tools.IsValidation(err))

	_, err = repo.Push(ctx, "--upload-pack=touch /tmp/x", "main")
	assert.True(t, tools.IsValidation(err))
	_, err = repo.Push(ctx, "origin", "--force")
	assert.True(t, tools.IsValidation(err))

	err = repo.Add(ctx, []string{"/etc/passwd"})
	assert.True(t, tools.IsNotAllowed(err))
	err = repo.Add(ctx, nil)
	assert.True(t, tools.IsValidation(err))

	_, err = repo.Commit(ctx, "  ", false)
	assert.True(t, tools.IsValidation(err))

	_, err = repo.Commit(ctx, "nothing staged", false)
	assert.Equal(t, tools.KindCommand, tools.KindOf(err))
}

func TestGitEnv(t *testing.T) {
	env := gitEnv([]string{
		"PATH=/usr/bin",
		"SSH_AUTH_SOCK=/tmp/agent",
		"GIT_ASKPASS=/bin/askpass",
		"GIT_CONFIG_COUNT=1",
		"GIT_CEILING_DIRECTORIES=/",
		"GIT_TERMINAL_PROMPT=1",
		"HOME=/home/x",
	})
	assert.Equal(t, []string{
		"PATH=/usr/bin",
		"HOME=/home/x",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_GLOBAL=" + os.DevNull,
	}, env)
}

func TestCeilingEnv(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	g, err := tools.NewGuard([]string{a, b}, "")
	require.NoError(t, err)
	roots := g.Roots()

	env := New(g).ceilingEnv()
	assert.Equal(t, []string{"GIT_CEILING_DIRECTORIES=" +
		filepath.Dir(roots[0]) + string(filepath.ListSeparator) + filepath.Dir(roots[1])}, env)
}

func TestParseStatus(t *testing.T) {
	st := parseStatus("## main...origin/main [ahead 1]\n M a.go\nR  old.go -> new.go\n?? x.txt\n")
	assert.Equal(t, "main", st.Branch)
	assert.Equal(t, []StatusEntry{
		{Path: "a.go", Index: " ", Worktree: "M"},
		{Path: "new.go", OrigPath: "old.go", Index: "R", Worktree: " "},
		{Path: "x.txt", Index: "?", Worktree: "?"},
	}, st.Entries)

	assert.Equal(t, "dev", parseStatus("## No commits yet on dev\n").Branch)
}
