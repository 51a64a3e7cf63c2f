package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for typed error checking. Every Execute call that returns
// one of these also returns a Result.
var (
	ErrPolicyViolation  = errors.New("policy violation")
	ErrTimeout          = errors.New("execution timed out")
	ErrRuntime          = errors.New("snippet raised an error")
	ErrResourceExceeded = errors.New("resource limit exceeded")
	ErrInvalidRequest   = errors.New("invalid execution request")
	ErrInternal         = errors.New("internal sandbox failure")
	ErrClosed           = errors.New("sandbox backend is closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceExceeded returns true if the child was killed for exceeding a limit.
func IsResourceExceeded(err error) bool {
	return errors.Is(err, ErrResourceExceeded)
}

// IsPolicyViolation returns true if the snippet broke the import policy.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPolicyViolation)
}

// Child exit codes. Anything else is classified by classifyExit.
const (
	ExitOK                = 0
	ExitRuntimeError      = 1
	ExitGoFatal           = 2
	ExitPolicyViolation   = 3
	ExitResourceExceeded  = 4
	ExitBadPayload        = 5
	ExitTimeout           = 6
	exitDockerOOMKilled   = 137
	outOfMemoryStderrHint = "out of memory"
)

// classifyExit maps a child exit status to a sentinel. signaled is true
// when the process was killed by a signal rather than exiting.
func classifyExit(code int, signaled bool, stderr string) error {
	if signaled {
		return ErrResourceExceeded
	}
	switch code {
	case ExitOK:
		return nil
	case ExitRuntimeError:
		return ErrRuntime
	case ExitGoFatal:
		if strings.Contains(strings.ToLower(stderr), outOfMemoryStderrHint) {
			return ErrResourceExceeded
		}
		return ErrRuntime
	case ExitPolicyViolation:
		return ErrPolicyViolation
	case ExitResourceExceeded, exitDockerOOMKilled:
		return ErrResourceExceeded
	case ExitBadPayload:
		return ErrInternal
	case ExitTimeout:
		return ErrTimeout
	}
	return ErrRuntime
}

func wrapInvalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

func wrapInternal(err error) error {
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
