// Package gitops runs a fixed set of git operations against a repository
// inside the allowed directories.
//
// Security:
//   - git is executed directly with discrete arguments, never through a shell
//   - arguments that could be parsed as options are rejected
//   - pathspecs follow "--" and are validated against the allowed directories
//   - hooks, fsmonitor and ext:: transports are disabled, global and system
//     config are ignored and credential/SSH environment variables stripped
//   - the repository and its git directory must lie inside the allowed
//     directories, and discovery never climbs above them
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"codemode-runtime/internal/policy"
	"codemode-runtime/internal/tools"
)

// Used when the repository has no user.email configured.
const (
	DefaultAuthorName  = "codemode"
	DefaultAuthorEmail = "codemode@localhost"
)

// DefaultLogCount is the number of commits Log returns when n <= 0.
const DefaultLogCount = 10

const maxLogCount = 1000

// Passed as -c to every invocation so repository config cannot run commands.
var safeConfig = []string{
	"core.hooksPath=/dev/null",
	"core.fsmonitor=false",
	"protocol.ext.allow=never",
}

// Env vars never passed to git: credentials, SSH and anything that relocates
// the repository or injects config.
var stripEnvVars = map[string]bool{
	"GIT_ASKPASS":             true,
	"GIT_CONFIG":              true,
	"GIT_CONFIG_GLOBAL":       true,
	"GIT_CONFIG_SYSTEM":       true,
	"GIT_CONFIG_NOSYSTEM":     true,
	"GIT_CONFIG_PARAMETERS":   true,
	"GIT_CONFIG_COUNT":        true,
	"GIT_CREDENTIAL_HELPER":   true,
	"SSH_AUTH_SOCK":           true,
	"SSH_AGENT_PID":           true,
	"SSH_ASKPASS":             true,
	"GIT_SSH":                 true,
	"GIT_SSH_COMMAND":         true,
	"GIT_DIR":                 true,
	"GIT_WORK_TREE":           true,
	"GIT_CEILING_DIRECTORIES": true,
	"GIT_EXEC_PATH":           true,
}

var (
	refRe    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	remoteRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// StatusEntry is one changed path from `git status`.
type StatusEntry struct {
	Path     string `json:"path"`
	OrigPath string `json:"orig_path,omitempty"`
	Index    string `json:"index"`
	Worktree string `json:"worktree"`
}

// Status is the parsed output of `git status --porcelain -b`.
type Status struct {
	Branch  string        `json:"branch"`
	Clean   bool          `json:"clean"`
	Entries []StatusEntry `json:"entries"`
}

// Commit is one `git log` row.
type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

// Repo runs git in the guard's working directory.
type Repo struct {
	guard *tools.Guard
	dir   string
	bin   string
}

// New returns a Repo rooted at the guard's working directory.
func New(guard *tools.Guard) *Repo {
	return &Repo{guard: guard, dir: guard.WorkingDir(), bin: "git"}
}

// Dir is the directory git runs in.
func (r *Repo) Dir() string { return r.dir }

// Status reports the current branch and changed paths.
func (r *Repo) Status(ctx context.Context) (*Status, error) {
	out, err := r.run(ctx, "status", nil, "status", "--porcelain=v1", "-b", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return parseStatus(out), nil
}

// Add stages paths. Every path must resolve inside the allowed directories.
func (r *Repo) Add(ctx context.Context, paths []string) error {
	const op = "add"
	if len(paths) == 0 {
		return tools.Validation(op, "", "at least one path is required")
	}
	specs := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := r.guard.Resolve(op, p)
		if err != nil {
			return err
		}
		specs = append(specs, abs)
	}
	args := append([]string{"add", "--"}, specs...)
	_, err := r.run(ctx, op, nil, args...)
	return err
}

// Commit records staged changes (all tracked changes when all is set) and
// returns the new commit hash.
func (r *Repo) Commit(ctx context.Context, message string, all bool) (string, error) {
	const op = "commit"
	if strings.TrimSpace(message) == "" {
		return "", tools.Validation(op, "", "commit message must not be empty")
	}
	args := []string{"commit", "--no-verify", "--message=" + message}
	if all {
		args = append(args, "--all")
	}
	if _, err := r.run(ctx, op, r.identityEnv(ctx), args...); err != nil {
		return "", err
	}
	hash, err := r.run(ctx, op, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// Branch returns the current branch when name is empty; otherwise it
// creates name from HEAD and switches to it.
func (r *Repo) Branch(ctx context.Context, name string) (string, error) {
	const op = "branch"
	if name == "" {
		return r.currentBranch(ctx)
	}
	if err := validateRef(op, name); err != nil {
		return "", err
	}
	if _, err := r.run(ctx, op, nil, "checkout", "-b", name); err != nil {
		return "", err
	}
	return name, nil
}

// Push pushes branch (default: current) to remote (default: origin).
func (r *Repo) Push(ctx context.Context, remote, branch string) (string, error) {
	const op = "push"
	if remote == "" {
		remote = "origin"
	}
	if !remoteRe.MatchString(remote) {
		return "", tools.Validation(op, "", "invalid remote name %q", remote)
	}
	if branch == "" {
		cur, err := r.currentBranch(ctx)
		if err != nil {
			return "", err
		}
		branch = cur
	}
	if err := validateRef(op, branch); err != nil {
		return "", err
	}
	return r.run(ctx, op, nil, "push", "--no-verify", "--", remote, branch)
}

// Log returns the last n commits on HEAD.
func (r *Repo) Log(ctx context.Context, n int) ([]Commit, error) {
	if n <= 0 {
		n = DefaultLogCount
	}
	if n > maxLogCount {
		n = maxLogCount
	}
	out, err := r.run(ctx, "log", nil, "log", "-n", strconv.Itoa(n), "--format=%H%x1f%an%x1f%aI%x1f%s")
	if err != nil {
		return nil, err
	}
	commits := []Commit{}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		parts := strings.SplitN(line, "\x1f", 4)
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{Hash: parts[0], Author: parts[1], Date: parts[2], Subject: parts[3]})
	}
	return commits, nil
}

func (r *Repo) currentBranch(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "branch", nil, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// identityEnv supplies a committer identity when the repository has none.
func (r *Repo) identityEnv(ctx context.Context) []string {
	out, err := r.run(ctx, "config", nil, "config", "--get", "user.email")
	if err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	return []string{
		"GIT_AUTHOR_NAME=" + DefaultAuthorName,
		"GIT_AUTHOR_EMAIL=" + DefaultAuthorEmail,
		"GIT_COMMITTER_NAME=" + DefaultAuthorName,
		"GIT_COMMITTER_EMAIL=" + DefaultAuthorEmail,
	}
}

// run checks the repository location, then runs git with args.
func (r *Repo) run(ctx context.Context, op string, extraEnv []string, args ...string) (string, error) {
	if err := r.checkRepo(ctx, op); err != nil {
		return "", err
	}
	return r.git(ctx, op, append(r.ceilingEnv(), extraEnv...), args...)
}

// checkRepo rejects a work tree or git directory outside the allowed roots.
// Discovery runs without a ceiling here so a parent repository is reported
// as NotAllowedError rather than as a missing one.
func (r *Repo) checkRepo(ctx context.Context, op string) error {
	out, err := r.git(ctx, op, nil, "rev-parse", "--show-toplevel", "--absolute-git-dir")
	if err != nil {
		return err
	}
	roots := r.guard.Roots()
	for _, p := range strings.Split(strings.TrimSpace(out), "\n") {
		canon, err := policy.Canonicalize(strings.TrimSpace(p))
		if err != nil || !policy.WithinAny(roots, canon) {
			return tools.NotAllowed(op, p, "repository lies outside allowed directories")
		}
	}
	return nil
}

// ceilingEnv stops repository discovery at the parents of the roots.
func (r *Repo) ceilingEnv() []string {
	roots := r.guard.Roots()
	parents := make([]string, 0, len(roots))
	for _, root := range roots {
		parents = append(parents, filepath.Dir(root))
	}
	return []string{"GIT_CEILING_DIRECTORIES=" + strings.Join(parents, string(filepath.ListSeparator))}
}

func (r *Repo) git(ctx context.Context, op string, extraEnv []string, args ...string) (string, error) {
	full := make([]string, 0, 2*len(safeConfig)+2+len(args))
	for _, kv := range safeConfig {
		full = append(full, "-c", kv)
	}
	full = append(full, "-C", r.dir)
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, r.bin, full...) // #nosec G204 -- fixed binary, validated argv
	cmd.Env = append(gitEnv(os.Environ()), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("op", op).Strs("args", args).Msg("running git")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", tools.Command(op, fmt.Errorf("git %s: %w", args[0], ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = strings.TrimSpace(stdout.String())
			}
			return "", tools.Command(op, fmt.Errorf("git %s exited %d: %s", args[0], exitErr.ExitCode(), msg))
		}
		return "", tools.Command(op, fmt.Errorf("git %s: %w", args[0], err))
	}
	return stdout.String(), nil
}

func gitEnv(environ []string) []string {
	out := make([]string, 0, len(environ)+3)
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if stripEnvVars[key] || key == "GIT_TERMINAL_PROMPT" {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "GIT_TERMINAL_PROMPT=0", "GIT_CONFIG_NOSYSTEM=1", "GIT_CONFIG_GLOBAL="+os.DevNull)
}

func validateRef(op, name string) error {
	switch {
	case !refRe.MatchString(name),
		strings.Contains(name, ".."),
		strings.Contains(name, "//"),
		strings.Contains(name, "@{"),
		strings.HasSuffix(name, "/"),
		strings.HasSuffix(name, "."),
		strings.HasSuffix(name, ".lock"):
		return tools.Validation(op, "", "invalid ref name %q", name)
	}
	return nil
}

func parseStatus(out string) *Status {
	st := &Status{Entries: []StatusEntry{}}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "## "); ok {
			st.Branch = parseBranchHeader(rest)
			continue
		}
		if len(line) < 4 {
			continue
		}
		e := StatusEntry{Index: line[0:1], Worktree: line[1:2], Path: line[3:]}
		if from, to, ok := strings.Cut(e.Path, " -> "); ok {
			e.OrigPath, e.Path = from, to
		}
		st.Entries = append(st.Entries, e)
	}
	st.Clean = len(st.Entries) == 0
	return st
}

func parseBranchHeader(h string) string {
	for _, prefix := range []string{"No commits yet on ", "Initial commit on "} {
		if b, ok := strings.CutPrefix(h, prefix); ok {
			return b
		}
	}
	b, _, _ := strings.Cut(h, "...")
	b, _, _ = strings.Cut(b, " ")
	return b
}
