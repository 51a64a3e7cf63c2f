package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"codemode-runtime/internal/tools/analysis"
)

// Backend names.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Backend runs snippets in isolated child processes.
type Backend interface {
	Execute(ctx context.Context, req Request) (*Result, error)
	Name() string
	Close() error
}

// Options configure NewBackend.
type Options struct {
	Backend        string
	MaxConcurrent  int
	MaxOutputBytes int
	// Executable is the runtime binary re-executed as the child. Defaults
	// to os.Executable().
	Executable  string
	DockerImage string
}

// NewBackend picks the configured backend. The process backend is the
// default; docker must be asked for explicitly.
func NewBackend(opts Options) (Backend, error) {
	exe := opts.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating runtime binary: %w", err)
		}
	}
	opts.Executable = exe

	switch opts.Backend {
	case "", BackendProcess:
		log.Info().Str("executable", exe).Msg("using process sandbox backend")
		return NewProcessRunner(opts), nil
	case BackendDocker:
		if _, err := exec.LookPath("docker"); err != nil {
			return nil, fmt.Errorf("docker not found in PATH: %w", err)
		}
		if err := exec.Command("docker", "info").Run(); err != nil {
			return nil, fmt.Errorf("docker daemon not reachable: %w", err)
		}
		log.Info().Str("image", opts.DockerImage).Msg("using Docker sandbox backend")
		return NewDockerRunner(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be process or docker", opts.Backend)
	}
}

// precheck validates the request and rejects literal disallowed requires
// before a process is spawned. A non-nil result means execution must not
// proceed and is returned with the error.
func precheck(req Request) (*Result, error) {
	res := &Result{ID: req.ID}
	switch {
	case req.Policy == nil:
		return res, fmt.Errorf("%w: policy is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Code) == "":
		return res, fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	case len(req.Code) > MaxCodeBytes:
		return res, fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, MaxCodeBytes)
	}

	names, err := analysis.LuaRequires(req.Code)
	if err != nil {
		res.Stderr = err.Error()
		return res, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	for _, name := range names {
		if !req.Policy.Allows(name) {
			res.Stderr = fmt.Sprintf("policy violation: import of %q is not allowed", name)
			return res, fmt.Errorf("%w: import of %q is not allowed", ErrPolicyViolation, name)
		}
	}
	return nil, nil
}

// finish classifies a completed child run.
func finish(res *Result, runErr error, timedOut bool) (*Result, error) {
	if timedOut {
		res.Stdout = ""
		res.ExitCode = nil
		return res, ErrTimeout
	}
	if runErr == nil {
		res.ExitCode = exitCodePtr(ExitOK)
		return res, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return res, fmt.Errorf("%w: %v", ErrInternal, runErr)
	}
	code := exitErr.ExitCode()
	signaled := code == -1
	if !signaled {
		res.ExitCode = exitCodePtr(code)
	}
	if cls := classifyExit(code, signaled, res.Stderr); cls != nil {
		if cls == ErrTimeout {
			res.Stdout = ""
			res.ExitCode = nil
		}
		return res, cls
	}
	return res, nil
}
