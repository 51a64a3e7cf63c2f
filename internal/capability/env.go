package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"codemode-runtime/internal/policy"
	"codemode-runtime/internal/store"
	"codemode-runtime/internal/tools"
	"codemode-runtime/internal/tools/analysis"
	"codemode-runtime/internal/tools/fsops"
	"codemode-runtime/internal/tools/gitops"
	"codemode-runtime/internal/tools/transform"
)

// ErrImportNotAllowed marks a require of a module outside the policy.
var ErrImportNotAllowed = errors.New("import not allowed")

// Base library functions removed from every state.
var removedGlobals = []string{"dofile", "loadfile", "module", "_printregs"}

// Config describes one execution's capabilities.
type Config struct {
	Policy     *policy.ResourcePolicy
	WorkingDir string
	Store      store.Config
	Stdout     io.Writer
	Registry   *Registry
}

// Env is the capability object for a single execution. It is built once,
// handed to the Lua state, and owns every tool instance the snippet can
// reach. Nothing in it is shared between executions.
type Env struct {
	ctx      context.Context
	cancel   context.CancelFunc
	policy   *policy.ResourcePolicy
	guard    *tools.Guard
	registry *Registry
	storeCfg store.Config
	stdout   io.Writer

	fs        *fsops.Ops
	analyzer  *analysis.Analyzer
	transform *transform.Transformer
	git       *gitops.Repo
	store     *store.Store

	loaded    map[string]lua.LValue
	violation error
}

// NewEnv validates cfg and returns an Env whose context is cancelled on the
// first policy violation.
func NewEnv(ctx context.Context, cfg Config) (*Env, error) {
	if cfg.Policy == nil {
		return nil, errors.New("capability: policy is required")
	}
	guard, err := tools.NewGuard(cfg.Policy.AllowedDirectories(), cfg.WorkingDir)
	if err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Env{
		ctx:      ctx,
		cancel:   cancel,
		policy:   cfg.Policy,
		guard:    guard,
		registry: cfg.Registry,
		storeCfg: cfg.Store,
		stdout:   cfg.Stdout,
		loaded:   make(map[string]lua.LValue),
	}, nil
}

// Context is cancelled when the execution must stop.
func (e *Env) Context() context.Context { return e.ctx }

// Guard is the path guard every tool shares.
func (e *Env) Guard() *tools.Guard { return e.guard }

// Violation returns the first policy violation, if any.
func (e *Env) Violation() error { return e.violation }

func (e *Env) violate(err error) {
	if e.violation == nil {
		e.violation = err
	}
	e.cancel()
}

// Close releases resources opened during the execution.
func (e *Env) Close() error {
	e.cancel()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

func (e *Env) fsOps() *fsops.Ops {
	if e.fs == nil {
		e.fs = fsops.New(e.guard)
	}
	return e.fs
}

func (e *Env) analysisTool() *analysis.Analyzer {
	if e.analyzer == nil {
		e.analyzer = analysis.New(e.guard)
	}
	return e.analyzer
}

func (e *Env) transformTool() *transform.Transformer {
	if e.transform == nil {
		e.transform = transform.New(e.guard)
	}
	return e.transform
}

func (e *Env) gitRepo() *gitops.Repo {
	if e.git == nil {
		e.git = gitops.New(e.guard)
	}
	return e.git
}

func (e *Env) sessionStore() (*store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	if e.storeCfg.StateDir == "" && (e.storeCfg.Backend == "" || e.storeCfg.Backend == store.BackendFile) {
		return nil, errors.New("session store is not configured")
	}
	s, err := store.Open(e.ctx, e.storeCfg)
	if err != nil {
		return nil, err
	}
	e.store = s
	return s, nil
}

// NewState returns a Lua state with only the safe base libraries opened and
// require/print bound to this Env. The state stops when the Env's context is
// cancelled.
func (e *Env) NewState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("opening lua library %q: %w", lib.name, err)
		}
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("require", L.NewFunction(e.require))
	L.SetGlobal("print", L.NewFunction(e.print))
	L.SetContext(e.ctx)
	return L, nil
}

func (e *Env) require(L *lua.LState) int {
	name := L.CheckString(1)
	if v, ok := e.loaded[name]; ok {
		L.Push(v)
		return 1
	}
	load, known := e.registry.loader(name)
	if !known || !e.policy.Allows(name) {
		e.violate(fmt.Errorf("%w: %q", ErrImportNotAllowed, name))
		L.RaiseError("policy violation: import of %q is not allowed", name)
		return 0
	}
	mod, err := load(e, L)
	if err != nil {
		return raise(L, "require", err)
	}
	e.loaded[name] = mod
	L.Push(mod)
	return 1
}

func (e *Env) print(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	_, _ = io.WriteString(e.stdout, strings.Join(parts, "\t")+"\n")
	return 0
}
