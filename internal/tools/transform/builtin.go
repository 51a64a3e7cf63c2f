package transform

import (
	"path/filepath"
	"sort"
	"strings"
)

// debugPrefixes lists, per extension, statement prefixes treated as debug
// output. A line is removed only when the whole statement sits on it.
var debugPrefixes = map[string][]string{
	".py":  {"print(", "pdb.set_trace(", "breakpoint("},
	".lua": {"print("},
	".go":  {"fmt.Println(", "fmt.Printf(", "fmt.Print(", "println(", "log.Println(", "log.Printf("},
	".js":  {"console.log(", "console.debug(", "console.trace("},
	".jsx": {"console.log(", "console.debug(", "console.trace("},
	".ts":  {"console.log(", "console.debug(", "console.trace("},
	".tsx": {"console.log(", "console.debug(", "console.trace("},
	".rb":  {"puts(", "p(", "pp("},
}

// Builtin is a named transform available to BatchRefactor callers.
type Builtin struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Fn          Func   `json:"-"`
}

var builtins = map[string]Builtin{
	"strip_debug": {
		Name:        "strip_debug",
		Description: "remove single-line debug print statements",
		Fn: func(content, path string) (string, error) {
			out, _ := stripDebug(content, path)
			return out, nil
		},
	},
	"trim_trailing_whitespace": {
		Name:        "trim_trailing_whitespace",
		Description: "strip spaces and tabs at the end of every line",
		Fn: func(content, _ string) (string, error) {
			lines := strings.Split(content, "\n")
			for i, l := range lines {
				lines[i] = strings.TrimRight(l, " \t")
			}
			return strings.Join(lines, "\n"), nil
		},
	},
	"ensure_final_newline": {
		Name:        "ensure_final_newline",
		Description: "make non-empty files end with exactly one newline",
		Fn: func(content, _ string) (string, error) {
			if content == "" {
				return content, nil
			}
			return strings.TrimRight(content, "\n") + "\n", nil
		},
	},
}

// Lookup returns the built-in transform called name.
func Lookup(name string) (Func, bool) {
	b, ok := builtins[name]
	return b.Fn, ok
}

// Builtins lists the built-in transforms sorted by name.
func Builtins() []Builtin {
	out := make([]Builtin, 0, len(builtins))
	for _, b := range builtins {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func stripDebug(content, path string) (string, int) {
	prefixes := debugPrefixes[strings.ToLower(filepath.Ext(path))]
	if len(prefixes) == 0 {
		return content, 0
	}
	lines := strings.SplitAfter(content, "\n")
	out := lines[:0]
	removed := 0
	for _, l := range lines {
		if isDebugLine(strings.TrimSpace(l), prefixes) {
			removed++
			continue
		}
		out = append(out, l)
	}
	if removed == 0 {
		return content, 0
	}
	return strings.Join(out, ""), removed
}

func isDebugLine(trimmed string, prefixes []string) bool {
	stmt := strings.TrimSuffix(trimmed, ";")
	if !strings.HasSuffix(stmt, ")") {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(stmt, p) && balancedParens(stmt) {
			return true
		}
	}
	return false
}

// balancedParens ignores parentheses inside quoted strings.
func balancedParens(s string) bool {
	depth := 0
	var quote rune
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case quote != 0:
			if r == '\\' {
				escaped = true
			} else if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && quote == 0
}
