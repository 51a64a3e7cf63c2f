//go:build linux

package sandbox

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// cpuGraceSeconds is added to the timeout for the RLIMIT_CPU backstop. The
// parent's wall-clock kill normally fires first.
const cpuGraceSeconds = 2

// applyRlimits sets hard limits on the child itself. The CPU limit never
// exceeds an existing hard limit, which an unprivileged process cannot raise.
func applyRlimits(timeout time.Duration) error {
	cpu := uint64(timeout/time.Second) + cpuGraceSeconds
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CPU, &cur); err != nil {
		return fmt.Errorf("reading RLIMIT_CPU: %w", err)
	}
	if cur.Max < cpu {
		cpu = cur.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu}); err != nil {
		return fmt.Errorf("setting RLIMIT_CPU: %w", err)
	}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("setting RLIMIT_CORE: %w", err)
	}
	return nil
}
