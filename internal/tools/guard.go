package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codemode-runtime/internal/policy"
)

// Guard resolves caller-supplied paths and rejects anything that does not
// land inside one of the allowed roots. Every path-accepting tool call goes
// through Resolve before touching the filesystem.
type Guard struct {
	roots   []string
	workdir string
}

// NewGuard canonicalizes roots and checks that workdir lies inside them.
// An empty workdir selects the first root.
func NewGuard(roots []string, workdir string) (*Guard, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("guard: no allowed directories")
	}
	canon := make([]string, 0, len(roots))
	for _, r := range roots {
		c, err := policy.Canonicalize(r)
		if err != nil {
			return nil, fmt.Errorf("guard: root %q: %w", r, err)
		}
		canon = append(canon, c)
	}

	g := &Guard{roots: canon, workdir: canon[0]}
	if workdir != "" {
		wd, err := g.Resolve("guard", workdir)
		if err != nil {
			return nil, err
		}
		g.workdir = wd
	}
	return g, nil
}

// Roots returns a copy of the canonical roots.
func (g *Guard) Roots() []string {
	return append([]string(nil), g.roots...)
}

// WorkingDir is the directory relative paths are resolved against.
func (g *Guard) WorkingDir() string {
	return g.workdir
}

// Resolve returns the canonical form of path, or a NotAllowedError if it
// falls outside the allowed roots or inside a .git directory. No file is
// opened.
func (g *Guard) Resolve(op, path string) (string, error) {
	if path == "" {
		return "", Validation(op, "", "path must not be empty")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.workdir, path)
	}
	canon, err := policy.Canonicalize(path)
	if err != nil {
		return "", NotAllowed(op, path, "cannot resolve path: %v", err)
	}
	if !policy.WithinAny(g.roots, canon) {
		return "", NotAllowed(op, path, "resolves outside allowed directories")
	}
	if inGitDir(canon) {
		return "", NotAllowed(op, path, "repository metadata is not accessible")
	}
	return canon, nil
}

// inGitDir reports whether any component of path is ".git". Git reads
// command-running settings from there.
func inGitDir(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".git" {
			return true
		}
	}
	return false
}

// ResolveDir is Resolve plus a check that the target is an existing directory.
func (g *Guard) ResolveDir(op, path string) (string, error) {
	if path == "" {
		path = "."
	}
	dir, err := g.Resolve(op, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", IO(op, path, err)
	}
	if !info.IsDir() {
		return "", Validation(op, path, "not a directory")
	}
	return dir, nil
}

// Rel returns path relative to the working directory when possible.
func (g *Guard) Rel(path string) string {
	if rel, err := filepath.Rel(g.workdir, path); err == nil {
		return rel
	}
	return path
}
