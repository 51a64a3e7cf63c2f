package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned when a policy cannot be constructed.
var ErrInvalidPolicy = errors.New("invalid resource policy")

const (
	DefaultTimeoutSeconds = 30
	DefaultMemoryLimitMB  = 256

	MinMemoryLimitMB = 16
	MaxMemoryLimitMB = 16384
	MaxTimeoutSeconds = 600
)

// ToolModules are the capability modules backed by the Tool API Library and the store.
var ToolModules = []string{"fs", "analysis", "transform", "git", "session", "tools"}

// SafeStdlibModules are side-effect free helpers.
var SafeStdlibModules = []string{"json", "re", "time", "path"}

// KnownModules returns every module name a policy may allow.
func KnownModules() []string {
	out := make([]string, 0, len(ToolModules)+len(SafeStdlibModules))
	out = append(out, ToolModules...)
	out = append(out, SafeStdlibModules...)
	return out
}

// Spec is the unvalidated input for a ResourcePolicy.
type Spec struct {
	AllowedImports     []string
	AllowedDirectories []string
	MemoryLimitMB      int
	TimeoutSeconds     int
	MaxTimeoutSeconds  int
}

// ResourcePolicy is the immutable set of limits for one execution.
// Construct it with New; the zero value allows nothing.
type ResourcePolicy struct {
	imports       map[string]struct{}
	roots         []string
	memoryLimitMB int
	timeout       time.Duration
}

// New validates spec and returns a policy with canonical roots.
func New(spec Spec) (*ResourcePolicy, error) {
	if len(spec.AllowedDirectories) == 0 {
		return nil, fmt.Errorf("%w: allowed_directories is required", ErrInvalidPolicy)
	}

	roots := make([]string, 0, len(spec.AllowedDirectories))
	seen := make(map[string]bool)
	for _, dir := range spec.AllowedDirectories {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		root, err := Canonicalize(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: allowed directory %q: %v", ErrInvalidPolicy, dir, err)
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("%w: allowed directory %q does not exist", ErrInvalidPolicy, dir)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: allowed directory %q is not a directory", ErrInvalidPolicy, dir)
		}
		if root == string(filepath.Separator) {
			return nil, fmt.Errorf("%w: the filesystem root cannot be an allowed directory", ErrInvalidPolicy)
		}
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: allowed_directories is required", ErrInvalidPolicy)
	}

	timeout := spec.TimeoutSeconds
	if timeout == 0 {
		timeout = DefaultTimeoutSeconds
	}
	maxTimeout := spec.MaxTimeoutSeconds
	if maxTimeout <= 0 {
		maxTimeout = MaxTimeoutSeconds
	}
	if timeout < 1 || timeout > maxTimeout {
		return nil, fmt.Errorf("%w: timeout_seconds must be 1-%d, got %d", ErrInvalidPolicy, maxTimeout, timeout)
	}

	memory := spec.MemoryLimitMB
	if memory == 0 {
		memory = DefaultMemoryLimitMB
	}
	if memory < MinMemoryLimitMB || memory > MaxMemoryLimitMB {
		return nil, fmt.Errorf("%w: memory_limit_mb must be %d-%d, got %d",
			ErrInvalidPolicy, MinMemoryLimitMB, MaxMemoryLimitMB, memory)
	}

	requested := spec.AllowedImports
	if len(requested) == 0 {
		requested = KnownModules()
	}
	known := make(map[string]bool)
	for _, m := range KnownModules() {
		known[m] = true
	}
	imports := make(map[string]struct{}, len(requested))
	for _, m := range requested {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if !known[m] {
			return nil, fmt.Errorf("%w: unknown module %q in allowed_imports", ErrInvalidPolicy, m)
		}
		imports[m] = struct{}{}
	}

	return &ResourcePolicy{
		imports:       imports,
		roots:         roots,
		memoryLimitMB: memory,
		timeout:       time.Duration(timeout) * time.Second,
	}, nil
}

// Allows reports whether module may be imported.
func (p *ResourcePolicy) Allows(module string) bool {
	_, ok := p.imports[module]
	return ok
}

// AllowedImports returns a sorted copy of the import allowlist.
func (p *ResourcePolicy) AllowedImports() []string {
	out := make([]string, 0, len(p.imports))
	for m := range p.imports {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// AllowedDirectories returns a copy of the canonical roots.
func (p *ResourcePolicy) AllowedDirectories() []string {
	return append([]string(nil), p.roots...)
}

func (p *ResourcePolicy) MemoryLimitMB() int { return p.memoryLimitMB }

func (p *ResourcePolicy) Timeout() time.Duration { return p.timeout }

// ContainsPath reports whether the canonical form of path lies inside a root.
func (p *ResourcePolicy) ContainsPath(path string) bool {
	canon, err := Canonicalize(path)
	if err != nil {
		return false
	}
	return WithinAny(p.roots, canon)
}

// ResolveWorkingDirectory returns the canonical working directory for an
// execution. An empty dir selects the first allowed root.
func (p *ResourcePolicy) ResolveWorkingDirectory(dir string) (string, error) {
	if dir == "" {
		return p.roots[0], nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(p.roots[0], dir)
	}
	canon, err := Canonicalize(dir)
	if err != nil {
		return "", fmt.Errorf("%w: working_directory %q: %v", ErrInvalidPolicy, dir, err)
	}
	if !WithinAny(p.roots, canon) {
		return "", fmt.Errorf("%w: working_directory %q is outside allowed directories", ErrInvalidPolicy, dir)
	}
	info, err := os.Stat(canon)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: working_directory %q is not a directory", ErrInvalidPolicy, dir)
	}
	return canon, nil
}

// Canonicalize returns the absolute, symlink-free form of path. For paths that
// do not exist yet, the nearest existing ancestor is resolved and the remaining
// components are appended.
func Canonicalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	var rest []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		if _, lerr := os.Lstat(cur); lerr == nil {
			// A dangling symlink: its target cannot be checked.
			return "", fmt.Errorf("dangling symlink %s", cur)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

// Within reports whether path is root or below it. Both must be canonical.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// WithinAny reports whether path lies inside one of roots.
func WithinAny(roots []string, path string) bool {
	for _, r := range roots {
		if Within(r, path) {
			return true
		}
	}
	return false
}

// SplitList parses a comma-separated directory or module list.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
