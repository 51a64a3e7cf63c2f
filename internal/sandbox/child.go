package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"codemode-runtime/internal/capability"
	"codemode-runtime/internal/tools"
)

// setRlimits is replaced in tests.
var setRlimits = applyRlimits

// IsChild reports whether this process was started as a sandbox child.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// RunChild executes the payload on stdin and returns the process exit code.
// Only the snippet's print output reaches stdout.
func RunChild(stdin io.Reader, stdout, stderr io.Writer) int {
	log.Logger = zerolog.Nop()

	var p payload
	if err := json.NewDecoder(io.LimitReader(stdin, 4*MaxCodeBytes)).Decode(&p); err != nil {
		fmt.Fprintf(stderr, "bad payload: %v\n", err)
		return ExitBadPayload
	}
	pol, err := p.resourcePolicy()
	if err != nil {
		fmt.Fprintf(stderr, "bad payload: %v\n", err)
		return ExitBadPayload
	}
	if err := setRlimits(pol.Timeout()); err != nil {
		fmt.Fprintf(stderr, "applying resource limits: %v\n", err)
		return ExitBadPayload
	}

	limit := uint64(pol.MemoryLimitMB()) << 20
	debug.SetMemoryLimit(int64(limit))

	ctx, cancel := context.WithTimeout(context.Background(), pol.Timeout())
	defer cancel()
	go watchHeap(ctx, limit, watchdogInterval, func(used uint64) {
		fmt.Fprintf(stderr, "memory limit exceeded: heap %d MB over %d MB\n", used>>20, pol.MemoryLimitMB())
		os.Exit(ExitResourceExceeded)
	})

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	env, err := capability.NewEnv(ctx, capability.Config{
		Policy:     pol,
		WorkingDir: p.WorkingDir,
		Store:      p.Store,
		Stdout:     out,
	})
	if err != nil {
		fmt.Fprintf(stderr, "bad payload: %v\n", err)
		return ExitBadPayload
	}
	defer env.Close()

	L, err := env.NewState()
	if err != nil {
		fmt.Fprintf(stderr, "starting interpreter: %v\n", err)
		return ExitBadPayload
	}
	defer L.Close()

	fn, err := L.LoadString(p.Code)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return ExitRuntimeError
	}
	L.Push(fn)
	runErr := L.PCall(0, lua.MultRet, nil)
	if ferr := out.Flush(); ferr != nil && runErr == nil {
		runErr = ferr
	}
	return childExit(ctx, env, runErr, stderr)
}

func childExit(ctx context.Context, env *capability.Env, runErr error, stderr io.Writer) int {
	if v := env.Violation(); v != nil {
		fmt.Fprintf(stderr, "policy violation: %v\n", v)
		return ExitPolicyViolation
	}
	if runErr == nil {
		return ExitOK
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintln(stderr, "execution timed out")
		return ExitTimeout
	}

	var apiErr *lua.ApiError
	if !errors.As(runErr, &apiErr) {
		fmt.Fprintln(stderr, runErr)
		return ExitRuntimeError
	}
	if te, ok := capability.ToolErrorFrom(apiErr.Object); ok {
		fmt.Fprintln(stderr, te.Error())
		if te.Kind == tools.KindNotAllowed {
			return ExitPolicyViolation
		}
		return ExitRuntimeError
	}
	if apiErr.Object != nil {
		fmt.Fprintln(stderr, apiErr.Object.String())
	} else {
		fmt.Fprintln(stderr, apiErr.Error())
	}
	if apiErr.StackTrace != "" {
		fmt.Fprintln(stderr, apiErr.StackTrace)
	}
	return ExitRuntimeError
}
