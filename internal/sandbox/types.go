package sandbox

import (
	"encoding/json"
	"fmt"
	"time"

	"codemode-runtime/internal/policy"
	"codemode-runtime/internal/store"
)

// MaxCodeBytes bounds the snippet size accepted by every backend.
const MaxCodeBytes = 1 << 20

// Request is one snippet execution.
type Request struct {
	ID         string
	Code       string
	Policy     *policy.ResourcePolicy
	WorkingDir string
	Store      store.Config
}

// Result is what came back from the child. ExitCode is nil when no process
// ran to completion: a rejected request, a static policy violation, or a
// timeout.
type Result struct {
	ID       string
	Stdout   string
	Stderr   string
	ExitCode *int
	Duration time.Duration
	Backend  string
}

// payload is the JSON document a child reads from stdin.
type payload struct {
	Code               string       `json:"code"`
	AllowedImports     []string     `json:"allowed_imports"`
	AllowedDirectories []string     `json:"allowed_directories"`
	WorkingDir         string       `json:"working_dir"`
	MemoryLimitMB      int          `json:"memory_limit_mb"`
	TimeoutSeconds     int          `json:"timeout_seconds"`
	Store              store.Config `json:"store"`
}

func newPayload(req Request, workdir string) payload {
	return payload{
		Code:               req.Code,
		AllowedImports:     req.Policy.AllowedImports(),
		AllowedDirectories: req.Policy.AllowedDirectories(),
		WorkingDir:         workdir,
		MemoryLimitMB:      req.Policy.MemoryLimitMB(),
		TimeoutSeconds:     int(req.Policy.Timeout() / time.Second),
		Store:              req.Store,
	}
}

func (p payload) marshal() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding child payload: %w", err)
	}
	return data, nil
}

// resourcePolicy rebuilds the ResourcePolicy inside the child. The parent already
// validated it, so a failure here means the payload was tampered with.
func (p payload) resourcePolicy() (*policy.ResourcePolicy, error) {
	return policy.New(policy.Spec{
		AllowedImports:     p.AllowedImports,
		AllowedDirectories: p.AllowedDirectories,
		MemoryLimitMB:      p.MemoryLimitMB,
		TimeoutSeconds:     p.TimeoutSeconds,
		MaxTimeoutSeconds:  p.TimeoutSeconds,
	})
}

func exitCodePtr(code int) *int { return &code }
