package sandbox

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemode-runtime/internal/policy"
	"codemode-runtime/internal/store"
)

// The test binary doubles as the sandbox child.
func TestMain(m *testing.M) {
	if IsChild() {
		os.Exit(RunChild(os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func newRunner(t *testing.T, opts Options) *ProcessRunner {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix-only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	opts.Executable = exe
	r := NewProcessRunner(opts)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newPolicy(t *testing.T, dir string, spec policy.Spec) *policy.ResourcePolicy {
	t.Helper()
	spec.AllowedDirectories = []string{dir}
	p, err := policy.New(spec)
	require.NoError(t, err)
	return p
}

func TestProcessRunner_Success(t *testing.T) {
	r := newRunner(t, Options{})
	dir := t.TempDir()
	res, err := r.Execute(context.Background(), Request{
		Code:   `print("hello", 1 + 2)`,
		Policy: newPolicy(t, dir, policy.Spec{}),
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\t3\n", res.Stdout)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, BackendProcess, res.Backend)
}

func TestProcessRunner_ToolsTouchAllowedDir(t *testing.T) {
	r := newRunner(t, Options{})
	dir := t.TempDir()
	code := `
local fs = require("fs")
fs.write_file("notes.txt", "a\nb\nc\n")
print(fs.copy_lines("notes.txt", 2, 3))
`
	res, err := r.Execute(context.Background(), Request{Code: code, Policy: newPolicy(t, dir, policy.Spec{})})
	require.NoError(t, err, res.Stderr)
	assert.Equal(t, "b\nc\n\n", res.Stdout)
	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(data))
}

func TestProcessRunner_Classification(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		imports   []string
		wantErr   error
		wantExit  *int
		stderrHas string
	}{
		{
			name:      "runtime error",
			code:      `error("boom")`,
			wantErr:   ErrRuntime,
			wantExit:  exitCodePtr(ExitRuntimeError),
			stderrHas: "boom",
		},
		{
			name:      "uncaught tool error",
			code:      `require("fs").copy_lines("missing.txt", 1, 2)`,
			wantErr:   ErrRuntime,
			wantExit:  exitCodePtr(ExitRuntimeError),
			stderrHas: "IOError",
		},
		{
			name:      "literal disallowed import is rejected before spawn",
			code:      `local os = require("os")`,
			wantErr:   ErrPolicyViolation,
			wantExit:  nil,
			stderrHas: `"os"`,
		},
		{
			name:      "dynamic disallowed import inside pcall",
			code:      `local n = "gi" .. "t"; pcall(require, n); print("after")`,
			imports:   []string{"fs"},
			wantErr:   ErrPolicyViolation,
			wantExit:  exitCodePtr(ExitPolicyViolation),
			stderrHas: "policy violation",
		},
		{
			name:      "uncaught path outside roots",
			code:      `require("fs").read_file("/etc/passwd")`,
			wantErr:   ErrPolicyViolation,
			wantExit:  exitCodePtr(ExitPolicyViolation),
			stderrHas: "NotAllowedError",
		},
		{
			name:      "syntax error",
			code:      `print(`,
			wantErr:   ErrRuntime,
			wantExit:  nil,
		},
		{
			name:     "empty code",
			code:     "   ",
			wantErr:  ErrInvalidRequest,
			wantExit: nil,
		},
	}
	r := newRunner(t, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			res, err := r.Execute(context.Background(), Request{
				Code:   tt.code,
				Policy: newPolicy(t, dir, policy.Spec{AllowedImports: tt.imports}),
			})
			require.ErrorIs(t, err, tt.wantErr)
			require.NotNil(t, res)
			assert.Equal(t, tt.wantExit, res.ExitCode)
			assert.NotContains(t, res.Stdout, "after")
			if tt.stderrHas != "" {
				assert.Contains(t, res.Stderr, tt.stderrHas)
			}
		})
	}
}

func TestProcessRunner_Timeout(t *testing.T) {
	r := newRunner(t, Options{})
	dir := t.TempDir()
	start := time.Now()
	res, err := r.Execute(context.Background(), Request{
		Code:   `print("partial"); while true do end`,
		Policy: newPolicy(t, dir, policy.Spec{TimeoutSeconds: 1}),
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, res.ExitCode)
	assert.Empty(t, res.Stdout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessRunner_MemoryCeiling(t *testing.T) {
	r := newRunner(t, Options{})
	dir := t.TempDir()
	code := `
local t = {}
for i = 1, 10000000 do
  t[i] = string.rep("x", 1024) .. i
end
`
	res, err := r.Execute(context.Background(), Request{
		Code:   code,
		Policy: newPolicy(t, dir, policy.Spec{MemoryLimitMB: 32, TimeoutSeconds: 20}),
	})
	require.ErrorIs(t, err, ErrResourceExceeded, res.Stderr)
}

func TestProcessRunner_OutputCapped(t *testing.T) {
	r := newRunner(t, Options{MaxOutputBytes: 100})
	dir := t.TempDir()
	res, err := r.Execute(context.Background(), Request{
		Code:   `for i = 1, 1000 do print(string.rep("y", 50)) end`,
		Policy: newPolicy(t, dir, policy.Spec{}),
	})
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 100)
}

func TestProcessRunner_SessionAcrossExecutions(t *testing.T) {
	r := newRunner(t, Options{})
	dir := t.TempDir()
	st := store.Config{Backend: store.BackendFile, StateDir: t.TempDir()}
	p := newPolicy(t, dir, policy.Spec{})

	_, err := r.Execute(context.Background(), Request{
		Code:   `require("session").save_state("job", {step = 2})`,
		Policy: p,
		Store:  st,
	})
	require.NoError(t, err)

	res, err := r.Execute(context.Background(), Request{
		Code:   `print(require("session").load_state("job").step)`,
		Policy: p,
		Store:  st,
	})
	require.NoError(t, err, res.Stderr)
	assert.Equal(t, "2\n", res.Stdout)
}

func TestProcessRunner_WorkingDirectoryOutsideRoots(t *testing.T) {
	r := newRunner(t, Options{})
	dir := t.TempDir()
	_, err := r.Execute(context.Background(), Request{
		Code:       `print(1)`,
		Policy:     newPolicy(t, dir, policy.Spec{}),
		WorkingDir: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestProcessRunner_ChildEnvironmentIsMinimal(t *testing.T) {
	t.Setenv("CODEMODE_TEST_SECRET", "hunter2")
	env := strings.Join(childEnv("/tmp/h"), "\n")
	assert.NotContains(t, env, "hunter2")
	assert.Contains(t, env, ChildEnv+"=1")
	assert.Contains(t, env, "HOME=/tmp/h")
}

func TestProcessRunner_ClosedRejects(t *testing.T) {
	r := newRunner(t, Options{})
	require.NoError(t, r.Close())
	_, err := r.Execute(context.Background(), Request{
		Code:   `print(1)`,
		Policy: newPolicy(t, t.TempDir(), policy.Spec{}),
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		signaled bool
		stderr   string
		want     error
	}{
		{"ok", 0, false, "", nil},
		{"runtime", 1, false, "", ErrRuntime},
		{"go fatal oom", 2, false, "fatal error: runtime: out of memory", ErrResourceExceeded},
		{"go panic", 2, false, "panic: nil map", ErrRuntime},
		{"policy", 3, false, "", ErrPolicyViolation},
		{"watchdog", 4, false, "", ErrResourceExceeded},
		{"bad payload", 5, false, "", ErrInternal},
		{"child deadline", 6, false, "", ErrTimeout},
		{"docker oom kill", 137, false, "", ErrResourceExceeded},
		{"signal", -1, true, "", ErrResourceExceeded},
		{"unknown", 42, false, "", ErrRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyExit(tt.code, tt.signaled, tt.stderr))
		})
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, remaining: 5}
	n, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = w.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	n, err = w.Write([]byte("ij"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcde", buf.String())
}

func TestWatchHeap(t *testing.T) {
	breached := make(chan uint64, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go watchHeap(ctx, 1, time.Millisecond, func(used uint64) { breached <- used })
	select {
	case used := <-breached:
		assert.Greater(t, used, uint64(1))
	case <-ctx.Done():
		t.Fatal("watchdog never fired")
	}
}

func TestWatchHeapStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchHeap(ctx, 1<<62, time.Millisecond, func(uint64) { t.Error("unexpected breach") })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}
