// Package capability builds the namespace a snippet runs against: the
// requireable modules, Go/Lua value conversion, and the per-execution Env
// that owns the tool instances.
package capability

import (
	"fmt"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"codemode-runtime/internal/policy"
)

// Module kinds.
const (
	KindTool      = "tool"
	KindStore     = "store"
	KindDiscovery = "discovery"
	KindStdlib    = "stdlib"
)

// Function documents one callable in a module.
type Function struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Doc       string `json:"doc"`
}

// Module describes a requireable module.
type Module struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Summary   string     `json:"summary"`
	Functions []Function `json:"functions"`
}

// loader builds a module's table for one Lua state.
type loader func(e *Env, L *lua.LState) (*lua.LTable, error)

type entry struct {
	desc Module
	load loader
}

// Registry maps module names to their descriptors and loaders.
type Registry struct {
	modules map[string]entry
}

// NewRegistry creates a registry with every module the runtime ships.
func NewRegistry() *Registry {
	r := &Registry{modules: make(map[string]entry)}
	r.register(fsModule, loadFS)
	r.register(analysisModule, loadAnalysis)
	r.register(transformModule, loadTransform)
	r.register(gitModule, loadGit)
	r.register(sessionModule, loadSession)
	r.register(toolsModule, loadTools)
	r.register(jsonModule, loadJSON)
	r.register(reModule, loadRe)
	r.register(timeModule, loadTime)
	r.register(pathModule, loadPath)
	return r
}

func (r *Registry) register(m Module, load loader) {
	r.modules[m.Name] = entry{desc: m, load: load}
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Module, error) {
	e, ok := r.modules[name]
	if !ok {
		return Module{}, fmt.Errorf("unknown module: %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return e.desc, nil
}

// Names returns all registered module names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Modules returns every descriptor, sorted by name.
func (r *Registry) Modules() []Module {
	out := make([]Module, 0, len(r.modules))
	for _, name := range r.Names() {
		out = append(out, r.modules[name].desc)
	}
	return out
}

// Allowed returns the descriptors p permits, sorted by name.
func (r *Registry) Allowed(p *policy.ResourcePolicy) []Module {
	out := []Module{}
	for _, m := range r.Modules() {
		if p == nil || p.Allows(m.Name) {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) loader(name string) (loader, bool) {
	e, ok := r.modules[name]
	return e.load, ok
}

var fsModule = Module{
	Name:    "fs",
	Kind:    KindTool,
	Summary: "line-oriented file editing inside the allowed directories",
	Functions: []Function{
		{"copy_lines", "copy_lines(path, start, end) -> string", "Return lines start..end (1-based, inclusive)."},
		{"paste_code", "paste_code(path, line, code [, {backup=bool}]) -> result", "Insert code before line; creates the file when line is 1."},
		{"search_replace", "search_replace(pattern, replacement, glob [, {regex=bool, root=dir}]) -> {files, errors}", "Replace pattern in every file matching glob."},
		{"batch", "batch(ops) -> results", "Apply {op=paste|replace|delete_lines, path=...} edits, atomically per file."},
		{"read_file", "read_file(path) -> string", "Return the file content."},
		{"write_file", "write_file(path, content) -> bytes", "Replace the file content."},
		{"list_dir", "list_dir([path]) -> entries", "List a directory."},
		{"search_files", "search_files(glob [, root]) -> paths", "Find files matching a ** glob."},
	},
}

var analysisModule = Module{
	Name:    "analysis",
	Kind:    KindTool,
	Summary: "metadata-only summaries of Go and Lua sources",
	Functions: []Function{
		{"analyze", "analyze(path) -> summary", "Functions, types, imports, line ranges and complexity of one file."},
		{"analyze_glob", "analyze_glob(glob [, root]) -> {files, errors, skipped}", "Summarize every supported file matching glob."},
	},
}

var transformModule = Module{
	Name:    "transform",
	Kind:    KindTool,
	Summary: "multi-file rewrites",
	Functions: []Function{
		{"rename_identifier", "rename_identifier(root, old, new, glob) -> {files, errors}", "Whole-word rename across files."},
		{"strip_debug", "strip_debug(root, glob) -> {files, errors}", "Remove single-line debug print statements."},
		{"batch_refactor", "batch_refactor(root, glob, fn_or_name) -> {files, errors}", "Apply function(content, path) or a built-in/skill by name."},
		{"list_transforms", "list_transforms() -> transforms", "Built-in transforms usable by batch_refactor."},
	},
}

var gitModule = Module{
	Name:    "git",
	Kind:    KindTool,
	Summary: "git operations in the working directory",
	Functions: []Function{
		{"status", "status() -> {branch, clean, entries}", "Current branch and changed paths."},
		{"add", "add(paths) -> true", "Stage a path or list of paths."},
		{"commit", "commit(message [, {all=bool}]) -> hash", "Commit staged (or all tracked) changes."},
		{"branch", "branch([name]) -> name", "Current branch, or create and switch to name."},
		{"push", "push([remote [, branch]]) -> output", "Push to a remote."},
		{"log", "log([n]) -> commits", "Last n commits."},
	},
}

var sessionModule = Module{
	Name:    "session",
	Kind:    KindStore,
	Summary: "checkpoint state and reusable skills",
	Functions: []Function{
		{"save_state", "save_state(id, tbl)", "Replace the session's state."},
		{"load_state", "load_state(id) -> tbl", "Session state, or an empty table."},
		{"delete_state", "delete_state(id)", "Delete a session."},
		{"list_sessions", "list_sessions() -> sessions", "All sessions."},
		{"save_skill", "save_skill(name, code, description)", "Store a skill; overwrites an existing one."},
		{"load_skill", "load_skill(name) -> code", "Code of a stored skill."},
		{"list_skills", "list_skills() -> skills", "All skills without code."},
	},
}

var toolsModule = Module{
	Name:    "tools",
	Kind:    KindDiscovery,
	Summary: "discover available modules",
	Functions: []Function{
		{"list", "list() -> modules", "Modules this execution may require."},
		{"help", "help(module) -> descriptor", "Functions of one module."},
	},
}

var jsonModule = Module{
	Name:    "json",
	Kind:    KindStdlib,
	Summary: "JSON encoding",
	Functions: []Function{
		{"encode", "encode(v [, indent]) -> string", "Encode a value; empty tables encode as {}."},
		{"decode", "decode(s) -> value", "Decode a JSON document."},
	},
}

var reModule = Module{
	Name:    "re",
	Kind:    KindStdlib,
	Summary: "RE2 regular expressions",
	Functions: []Function{
		{"match", "match(pattern, s) -> bool", "Whether s contains a match."},
		{"find_all", "find_all(pattern, s [, n]) -> matches", "Up to n matches (all when omitted)."},
		{"replace", "replace(pattern, s, repl) -> string", "Replace all matches; $1 expands groups."},
		{"split", "split(pattern, s) -> parts", "Split s around matches."},
	},
}

var timeModule = Module{
	Name:    "time",
	Kind:    KindStdlib,
	Summary: "clock and formatting",
	Functions: []Function{
		{"now", "now() -> string", "Current time in RFC 3339."},
		{"unix", "unix() -> number", "Current Unix time in seconds."},
		{"format", "format(unix, layout) -> string", "Format using a Go layout or \"rfc3339\"."},
		{"parse", "parse(layout, s) -> unix", "Parse using a Go layout or \"rfc3339\"."},
	},
}

var pathModule = Module{
	Name:    "path",
	Kind:    KindStdlib,
	Summary: "slash-separated path manipulation without I/O",
	Functions: []Function{
		{"join", "join(...) -> string", "Join elements."},
		{"base", "base(p) -> string", "Last element."},
		{"dir", "dir(p) -> string", "All but the last element."},
		{"ext", "ext(p) -> string", "Extension including the dot."},
		{"clean", "clean(p) -> string", "Lexically cleaned path."},
	},
}
