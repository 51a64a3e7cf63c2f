package tools

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
)

// skipDirs are never descended into by Glob.
var skipDirs = map[string]bool{
	".git": true,
	".hg":  true,
	".svn": true,
}

// Glob expands a doublestar pattern (e.g. "**/*.py") below root and returns
// canonical paths of regular files. Hits that escape the allowed roots through
// symlinks are dropped.
func (g *Guard) Glob(op, root, pattern string) ([]string, error) {
	if pattern == "" {
		return nil, Validation(op, "", "glob pattern must not be empty")
	}
	if strings.HasPrefix(pattern, "/") || hasDotDot(pattern) {
		return nil, Validation(op, "", "glob pattern %q must be relative and stay below root", pattern)
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, Validation(op, "", "invalid glob pattern %q", pattern)
	}

	base, err := g.ResolveDir(op, root)
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(base), pattern)
	if err != nil {
		return nil, Validation(op, root, "glob %q: %v", pattern, err)
	}

	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if inSkippedDir(m) {
			continue
		}
		full := filepath.Join(base, filepath.FromSlash(m))
		canon, err := g.Resolve(op, full)
		if err != nil {
			log.Debug().Str("path", full).Msg("glob hit outside allowed directories, skipping")
			continue
		}
		info, err := os.Stat(canon)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if !seen[canon] {
			seen[canon] = true
			out = append(out, canon)
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasDotDot(pattern string) bool {
	for _, seg := range strings.Split(pattern, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func inSkippedDir(rel string) bool {
	segs := strings.Split(rel, "/")
	for _, seg := range segs[:len(segs)-1] {
		if skipDirs[seg] {
			return true
		}
	}
	return false
}
