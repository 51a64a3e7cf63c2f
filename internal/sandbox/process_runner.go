package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// ChildEnv marks a process as a sandbox child.
	ChildEnv = "CODEMODE_SANDBOX_CHILD"

	defaultMaxOutputBytes = 1 << 20
	defaultMaxConcurrent  = 16

	// waitDelay bounds how long Wait blocks on the child's pipes after the
	// process group is killed.
	waitDelay = 2 * time.Second
)

// ProcessRunner re-executes the runtime binary as a child process per
// snippet. The child is its own process group, gets a minimal environment
// and a private HOME, and is killed as a group on timeout.
type ProcessRunner struct {
	exe       string
	maxOutput int
	sem       chan struct{}
	active    atomic.Int64
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

// NewProcessRunner creates a runner for opts.Executable.
func NewProcessRunner(opts Options) *ProcessRunner {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxOutputBytes < 1 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &ProcessRunner{
		exe:       opts.Executable,
		maxOutput: opts.MaxOutputBytes,
		sem:       make(chan struct{}, opts.MaxConcurrent),
	}
}

func (p *ProcessRunner) Name() string { return BackendProcess }

func (p *ProcessRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if res, err := precheck(req); res != nil {
		res.Backend = BackendProcess
		return res, err
	}
	res := &Result{ID: req.ID, Backend: BackendProcess}
	logger := log.With().Str("exec_id", req.ID).Str("backend", BackendProcess).Logger()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return res, &ExecutionError{ExecID: req.ID, Op: "execute", Err: ErrClosed}
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return res, &ExecutionError{ExecID: req.ID, Op: "acquire_slot", Err: ctx.Err()}
	}
	p.active.Add(1)
	defer p.active.Add(-1)

	workdir, err := req.Policy.ResolveWorkingDirectory(req.WorkingDir)
	if err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "working_directory", Err: wrapInvalid(err)}
	}
	input, err := newPayload(req, workdir).marshal()
	if err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "payload", Err: wrapInternal(err)}
	}

	home, err := os.MkdirTemp("", "codemode-home-*")
	if err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "create_home", Err: wrapInternal(err)}
	}
	defer func() {
		if rmErr := os.RemoveAll(home); rmErr != nil {
			logger.Warn().Err(rmErr).Str("dir", home).Msg("failed to remove child home")
		}
	}()

	timeout := req.Policy.Timeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.exe) // #nosec G204 -- our own binary, no user arguments
	cmd.Dir = workdir
	cmd.Env = childEnv(home)
	cmd.Stdin = bytes.NewReader(input)
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: p.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: p.maxOutput}

	logger.Debug().Str("dir", workdir).Dur("timeout", timeout).Int("memory_limit_mb", req.Policy.MemoryLimitMB()).Msg("spawning child")

	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	timedOut := execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	if ctx.Err() != nil && !timedOut {
		return res, &ExecutionError{ExecID: req.ID, Op: "run", Err: ctx.Err()}
	}
	res, err = finish(res, runErr, timedOut)
	logger.Info().
		Dur("duration", res.Duration).
		Bool("timed_out", timedOut).
		AnErr("classification", err).
		Msg("child finished")
	return res, err
}

// ActiveCount reports how many children are running.
func (p *ProcessRunner) ActiveCount() int64 {
	return p.active.Load()
}

// Close waits up to 30s for running children.
func (p *ProcessRunner) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return drain(&p.wg, &p.active, 30*time.Second)
}

func drain(wg *sync.WaitGroup, active *atomic.Int64, limit time.Duration) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all sandbox executions drained")
	case <-time.After(limit):
		log.Warn().Int64("active", active.Load()).Msg("timed out waiting for sandbox executions to drain")
	}
	return nil
}

// childEnv is the whole environment a child sees. The parent's variables
// are not inherited; PATH is kept so git can be found.
func childEnv(home string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	return []string{
		ChildEnv + "=1",
		"PATH=" + path,
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"GIT_CONFIG_NOSYSTEM=1",
	}
}

// limitedWriter stops storing after a byte limit. Excess data is discarded
// but reported as written so the copying goroutine keeps draining the pipe.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
