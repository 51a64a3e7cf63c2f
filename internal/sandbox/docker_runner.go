package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codemode-runtime/internal/store"
	"codemode-runtime/pkg/seccomp"
)

const (
	// DefaultDockerImage ships git, which the git module shells out to.
	DefaultDockerImage = "alpine/git:latest"

	containerPrefix = "codemode-"
	childBinaryPath = "/usr/local/bin/codemode-child"
)

// DockerRunner runs the child inside a throwaway container. Unlike the
// process backend the memory ceiling is enforced by the cgroup.
type DockerRunner struct {
	exe           string
	image         string
	maxOutput     int
	sem           chan struct{}
	active        atomic.Int64
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	cancelCleanup context.CancelFunc
}

// NewDockerRunner starts the orphan cleanup loop and returns a runner.
// opts.Executable must be a Linux binary of this runtime.
func NewDockerRunner(opts Options) *DockerRunner {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.MaxOutputBytes < 1 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	if opts.DockerImage == "" {
		opts.DockerImage = DefaultDockerImage
	}
	d := &DockerRunner{
		exe:        opts.Executable,
		image:      opts.DockerImage,
		maxOutput:  opts.MaxOutputBytes,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

func (d *DockerRunner) Name() string { return BackendDocker }

// orphanCleanupLoop periodically removes child containers that survived a crash.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	out, err := d.docker("ps", "--filter", "name="+containerPrefix, "-q").Output()
	if err != nil {
		return
	}
	for _, id := range strings.Fields(string(out)) {
		log.Warn().Str("container_id", id).Msg("removing orphaned sandbox container")
		_ = d.docker("rm", "-f", id).Run()
	}
}

// docker builds a docker CLI command honouring the resolved host.
func (d *DockerRunner) docker(args ...string) *exec.Cmd {
	cmd := exec.Command("docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}
	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		if host := strings.TrimSpace(string(out)); host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

func (d *DockerRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if res, err := precheck(req); res != nil {
		res.Backend = BackendDocker
		return res, err
	}
	res := &Result{ID: req.ID, Backend: BackendDocker}
	logger := log.With().Str("exec_id", req.ID).Str("backend", BackendDocker).Logger()

	if err := checkContainerStore(req.Store); err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "validate", Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return res, &ExecutionError{ExecID: req.ID, Op: "execute", Err: ErrClosed}
	}
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		return res, &ExecutionError{ExecID: req.ID, Op: "acquire_slot", Err: ctx.Err()}
	}
	d.active.Add(1)
	defer d.active.Add(-1)

	workdir, err := req.Policy.ResolveWorkingDirectory(req.WorkingDir)
	if err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "working_directory", Err: wrapInvalid(err)}
	}
	input, err := newPayload(req, workdir).marshal()
	if err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "payload", Err: wrapInternal(err)}
	}
	limits := LimitsFor(req.Policy)
	if err := limits.Validate(); err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "limits", Err: err}
	}

	hostDir, err := os.MkdirTemp("", "codemode-docker-*")
	if err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "create_temp_dir", Err: wrapInternal(err)}
	}
	defer os.RemoveAll(hostDir)

	profile, err := seccomp.DockerProfileJSON()
	if err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "seccomp_profile", Err: wrapInternal(err)}
	}
	seccompPath := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompPath, profile, 0o600); err != nil {
		return res, &ExecutionError{ExecID: req.ID, Op: "write_seccomp", Err: wrapInternal(err)}
	}

	name := containerPrefix + req.ID
	args := d.buildDockerArgs(name, seccompPath, workdir, req, limits)

	timeout := req.Policy.Timeout()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built by buildDockerArgs
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	// Killing the CLI leaves the container running; remove it first.
	cmd.Cancel = func() error {
		_ = d.docker("rm", "-f", name).Run()
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: d.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: d.maxOutput}

	logger.Info().Str("image", d.image).Int64("memory_mb", limits.MemoryMB).Msg("starting docker container")

	start := time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	timedOut := execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	if ctx.Err() != nil && !timedOut {
		return res, &ExecutionError{ExecID: req.ID, Op: "docker_run", Err: ctx.Err()}
	}
	res, err = finish(res, runErr, timedOut)
	logger.Info().
		Dur("duration", res.Duration).
		Bool("timed_out", timedOut).
		AnErr("classification", err).
		Msg("docker execution completed")
	return res, err
}

// buildDockerArgs mounts the runtime binary read-only, and every allowed
// directory plus a file/sqlite state dir at identical paths so the
// payload's canonical paths stay valid inside the container.
func (d *DockerRunner) buildDockerArgs(name, seccompPath, workdir string, req Request, limits ContainerLimits) []string {
	args := []string{
		"run", "--rm", "-i",
		"--name", name,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%dm", limits.TmpfsMB),
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		"-v", fmt.Sprintf("%s:%s:ro", d.exe, childBinaryPath),
	}
	for _, dir := range req.Policy.AllowedDirectories() {
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", dir, dir))
	}
	if req.Store.StateDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", req.Store.StateDir, req.Store.StateDir))
	}
	args = append(args,
		"-w", workdir,
		"-e", ChildEnv+"=1",
		"-e", "HOME=/tmp",
		"-e", "TMPDIR=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "GIT_CONFIG_NOSYSTEM=1",
		"--entrypoint", childBinaryPath,
		d.image,
	)
	return args
}

// checkContainerStore rejects stores a --network none container cannot reach.
func checkContainerStore(cfg store.Config) error {
	switch cfg.Backend {
	case "", store.BackendFile, store.BackendSQLite:
		return nil
	}
	return fmt.Errorf("%w: store backend %q is not reachable from the docker sandbox", ErrInvalidRequest, cfg.Backend)
}

func (d *DockerRunner) ActiveCount() int64 {
	return d.active.Load()
}

func (d *DockerRunner) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}
	return drain(&d.wg, &d.active, 30*time.Second)
}
