// Package facade is the request/response boundary for running snippets. It
// turns caller options into a policy, runs the snippet on a sandbox backend,
// redacts what comes back and records the run.
package facade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"codemode-runtime/internal/capability"
	"codemode-runtime/internal/config"
	"codemode-runtime/internal/monitor"
	"codemode-runtime/internal/policy"
	"codemode-runtime/internal/sandbox"
	"codemode-runtime/internal/scanner"
	"codemode-runtime/internal/storage"
	"codemode-runtime/internal/store"
)

// Stable error codes carried in Result.Error.
const (
	ErrCodePolicyViolation  = "policy_violation"
	ErrCodeTimeout          = "timeout"
	ErrCodeRuntime          = "runtime_error"
	ErrCodeResourceExceeded = "resource_exceeded"
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeInternal         = "internal_error"
)

// ErrUnknownCapability is returned by Describe for a module that does not
// exist or is not allowed by default.
var ErrUnknownCapability = errors.New("unknown capability")

// Options are the per-request knobs. Zero values fall back to the runtime
// defaults.
type Options struct {
	TimeoutSeconds     int    `json:"timeout_seconds,omitempty"`
	MemoryLimitMB      int    `json:"memory_limit_mb,omitempty"`
	AllowedDirectories List   `json:"allowed_directories,omitempty"`
	WorkingDirectory   string `json:"working_directory,omitempty"`
	AllowedImports     List   `json:"allowed_imports,omitempty"`
	MaskSecrets        *bool  `json:"mask_secrets,omitempty"`
	AggressiveMasking  *bool  `json:"aggressive_masking,omitempty"`

	// RequestIP is recorded in the audit log only.
	RequestIP string `json:"-"`
}

// List is a path or module list. In JSON it is either an array of strings or
// one comma-separated string.
type List []string

func (l *List) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = policy.SplitList(s)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("expected a string or an array of strings: %w", err)
	}
	*l = items
	return nil
}

// Result is what a caller sees. Stdout and Stderr are already redacted when
// masking is on.
type Result struct {
	Success     bool   `json:"success"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    *int   `json:"exit_code"`
	Error       string `json:"error,omitempty"`
	ExecutionID string `json:"execution_id"`
	DurationMS  int64  `json:"duration_ms"`
	Redactions  int    `json:"redactions,omitempty"`
}

// AuditSink receives one redacted record per run. *storage.AuditWriter
// satisfies it.
type AuditSink interface {
	Log(exec *storage.Execution) bool
}

// Deps are optional collaborators. Nil fields get working defaults.
type Deps struct {
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Detector *monitor.EscapeDetector
	Scanner  *scanner.Scanner
	Registry *capability.Registry
	Audit    AuditSink
}

// Runtime runs snippets. It is safe for concurrent use.
type Runtime struct {
	backend  sandbox.Backend
	defaults config.ExecutionConfig
	store    store.Config

	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	detector *monitor.EscapeDetector
	scanner  *scanner.Scanner
	registry *capability.Registry
	audit    AuditSink
}

// New builds a Runtime over backend. storeCfg is handed to every child so
// snippets reach the same session and skill store.
func New(backend sandbox.Backend, defaults config.ExecutionConfig, storeCfg store.Config, deps Deps) *Runtime {
	r := &Runtime{
		backend:  backend,
		defaults: defaults,
		store:    storeCfg,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		detector: deps.Detector,
		scanner:  deps.Scanner,
		registry: deps.Registry,
		audit:    deps.Audit,
	}
	if r.metrics == nil {
		r.metrics = monitor.NewMetrics()
	}
	if r.tracer == nil {
		r.tracer = monitor.NewTracer()
	}
	if r.detector == nil {
		r.detector = monitor.NewEscapeDetector()
	}
	if r.scanner == nil {
		r.scanner = scanner.New()
	}
	if r.registry == nil {
		r.registry = capability.NewRegistry()
	}
	return r
}

// Metrics exposes the runtime's metrics for the HTTP server.
func (r *Runtime) Metrics() *monitor.Metrics { return r.metrics }

// Backend is the sandbox backend name.
func (r *Runtime) Backend() string { return r.backend.Name() }

// Run executes code and always returns a populated Result. Failures are
// reported through Result.Error, never as a Go error.
func (r *Runtime) Run(ctx context.Context, code string, opts Options) Result {
	start := time.Now()
	execID := uuid.NewString()
	codeHash := hashCode(code)

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrCodeHash.String(codeHash),
		monitor.AttrBackend.String(r.backend.Name()),
	)
	defer span.End()

	r.metrics.CodeSizeBytes.Observe(float64(len(code)))
	events := 0
	for _, d := range r.detector.AnalyzeCode(code) {
		r.metrics.RecordSecurityEvent(d.Pattern)
		events++
	}

	raw, err := r.execute(ctx, execID, code, opts)

	for _, d := range r.detector.AnalyzeOutput(raw.Stdout + raw.Stderr) {
		r.metrics.RecordSecurityEvent(d.Pattern)
		events++
	}

	res := Result{
		Success:     err == nil,
		Stdout:      raw.Stdout,
		Stderr:      raw.Stderr,
		ExitCode:    raw.ExitCode,
		ExecutionID: execID,
	}
	if err != nil {
		res.Error = ErrorCode(err)
	}

	if r.maskSecrets(opts) {
		aggressive := r.aggressive(opts)
		var n1, n2 int
		res.Stdout, n1 = r.redact(execID, "stdout", res.Stdout, aggressive)
		res.Stderr, n2 = r.redact(execID, "stderr", res.Stderr, aggressive)
		res.Redactions = n1 + n2
	}

	duration := time.Since(start)
	res.DurationMS = duration.Milliseconds()

	status := "success"
	if !res.Success {
		status = res.Error
		span.SetStatus(codes.Error, res.Error)
		span.SetAttributes(monitor.AttrError.String(res.Error))
	}
	if res.ExitCode != nil {
		span.SetAttributes(monitor.AttrExitCode.Int(*res.ExitCode))
	}
	span.SetAttributes(
		monitor.AttrDurationMS.Int64(res.DurationMS),
		monitor.AttrRedactions.Int(res.Redactions),
	)
	r.metrics.RecordExecution(r.backend.Name(), status, duration.Seconds())
	r.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.Stderr)))

	logEvent := log.Info()
	if err != nil && res.Error == ErrCodeInternal {
		logEvent = log.Error().Err(err)
	}
	logEvent.
		Str("exec_id", execID).
		Str("status", status).
		Int("redactions", res.Redactions).
		Dur("duration", duration).
		Msg("execution finished")

	r.logAudit(res, codeHash, opts, events, start)
	return res
}

// rawRun is the unredacted sandbox outcome.
type rawRun struct {
	Stdout   string
	Stderr   string
	ExitCode *int
}

func (r *Runtime) execute(ctx context.Context, execID, code string, opts Options) (rawRun, error) {
	p, err := r.policy(opts)
	if err != nil {
		return rawRun{Stderr: err.Error()}, fmt.Errorf("%w: %v", sandbox.ErrInvalidRequest, err)
	}

	r.metrics.ActiveExecutions.Inc()
	defer r.metrics.ActiveExecutions.Dec()

	res, err := r.backend.Execute(ctx, sandbox.Request{
		ID:         execID,
		Code:       code,
		Policy:     p,
		WorkingDir: opts.WorkingDirectory,
		Store:      r.store,
	})
	if res == nil {
		res = &sandbox.Result{}
	}
	return rawRun{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, err
}

func (r *Runtime) policy(opts Options) (*policy.ResourcePolicy, error) {
	spec := policy.Spec{
		AllowedImports:     opts.AllowedImports,
		AllowedDirectories: opts.AllowedDirectories,
		MemoryLimitMB:      opts.MemoryLimitMB,
		TimeoutSeconds:     opts.TimeoutSeconds,
		MaxTimeoutSeconds:  r.defaults.MaxTimeoutSeconds,
	}
	if len(spec.AllowedImports) == 0 {
		spec.AllowedImports = r.defaults.AllowedImports
	}
	if len(spec.AllowedDirectories) == 0 {
		spec.AllowedDirectories = r.defaults.AllowedDirectories
	}
	if spec.MemoryLimitMB == 0 {
		spec.MemoryLimitMB = r.defaults.MemoryLimitMB
	}
	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = r.defaults.TimeoutSeconds
	}
	return policy.New(spec)
}

func (r *Runtime) maskSecrets(opts Options) bool {
	if opts.MaskSecrets != nil {
		return *opts.MaskSecrets
	}
	return r.defaults.MaskSecrets
}

func (r *Runtime) aggressive(opts Options) bool {
	if opts.AggressiveMasking != nil {
		return *opts.AggressiveMasking
	}
	return r.defaults.AggressiveMasking
}

// redact returns text with secrets replaced. A failed scan logs a warning
// and returns text unchanged.
func (r *Runtime) redact(execID, field, text string, aggressive bool) (string, int) {
	if text == "" {
		return text, 0
	}
	out, findings, err := r.scanner.ScanAndRedact(text, aggressive)
	if err != nil {
		r.metrics.ScanFailures.Inc()
		log.Warn().Err(err).Str("exec_id", execID).Str("field", field).
			Msg("secret scan failed, returning unscanned output")
		return text, 0
	}
	for kind, n := range scanner.Counts(findings) {
		r.metrics.RecordRedaction(string(kind), n)
	}
	return out, len(findings)
}

func (r *Runtime) logAudit(res Result, codeHash string, opts Options, events int, start time.Time) {
	if r.audit == nil {
		return
	}
	completedAt := time.Now()
	r.audit.Log(&storage.Execution{
		ID:             res.ExecutionID,
		CodeHash:       codeHash,
		Backend:        r.backend.Name(),
		Success:        res.Success,
		ErrorCode:      res.Error,
		ExitCode:       res.ExitCode,
		Stdout:         res.Stdout,
		Stderr:         res.Stderr,
		DurationMS:     res.DurationMS,
		Redactions:     res.Redactions,
		SecurityEvents: events,
		WorkingDir:     opts.WorkingDirectory,
		RequestIP:      opts.RequestIP,
		CreatedAt:      start,
		CompletedAt:    &completedAt,
	})
}

// ErrorCode maps a sandbox error to its stable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, sandbox.ErrPolicyViolation):
		return ErrCodePolicyViolation
	case errors.Is(err, sandbox.ErrResourceExceeded):
		return ErrCodeResourceExceeded
	case errors.Is(err, sandbox.ErrRuntime):
		return ErrCodeRuntime
	case errors.Is(err, sandbox.ErrInvalidRequest), errors.Is(err, policy.ErrInvalidPolicy):
		return ErrCodeInvalidRequest
	default:
		return ErrCodeInternal
	}
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Capability is the one-line listing of a module.
type Capability struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Summary   string `json:"summary"`
	Functions int    `json:"functions"`
}

// Capabilities lists the modules a request with default imports may
// require. Use Describe for the functions of one module.
func (r *Runtime) Capabilities() []Capability {
	out := []Capability{}
	for _, m := range r.registry.Modules() {
		if !r.defaultAllows(m.Name) {
			continue
		}
		out = append(out, Capability{
			Name:      m.Name,
			Kind:      m.Kind,
			Summary:   m.Summary,
			Functions: len(m.Functions),
		})
	}
	return out
}

// Describe returns the full descriptor of one module.
func (r *Runtime) Describe(name string) (capability.Module, error) {
	m, err := r.registry.Get(name)
	if err != nil || !r.defaultAllows(name) {
		return capability.Module{}, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return m, nil
}

func (r *Runtime) defaultAllows(name string) bool {
	if len(r.defaults.AllowedImports) == 0 {
		return true
	}
	for _, m := range r.defaults.AllowedImports {
		if m == name {
			return true
		}
	}
	return false
}

// Close releases the backend.
func (r *Runtime) Close() error {
	return r.backend.Close()
}
