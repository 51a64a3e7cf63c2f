package sandbox

import (
	"fmt"

	"codemode-runtime/internal/policy"
)

// ContainerLimits are the cgroup limits a Docker child runs under.
type ContainerLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`  // hard limit, swap included
	PidsLimit int64 `json:"pids_limit"` // fork bomb protection; git needs a few
	TmpfsMB   int64 `json:"tmpfs_mb"`   // size of /tmp
}

// DefaultContainerLimits is used before the policy's memory ceiling is applied.
func DefaultContainerLimits() ContainerLimits {
	return ContainerLimits{
		CPUShares: 1024,
		MemoryMB:  policy.DefaultMemoryLimitMB,
		PidsLimit: 64,
		TmpfsMB:   64,
	}
}

// LimitsFor derives container limits from a policy. The cgroup gets some
// headroom over the heap ceiling for the Go runtime and git.
func LimitsFor(p *policy.ResourcePolicy) ContainerLimits {
	l := DefaultContainerLimits()
	l.MemoryMB = int64(p.MemoryLimitMB()) + 32
	return l
}

func (l ContainerLimits) Validate() error {
	if l.CPUShares < 2 || l.CPUShares > 8192 {
		return fmt.Errorf("%w: cpu_shares must be 2-8192, got %d", ErrInvalidRequest, l.CPUShares)
	}
	if l.MemoryMB < policy.MinMemoryLimitMB || l.MemoryMB > policy.MaxMemoryLimitMB+32 {
		return fmt.Errorf("%w: memory_mb must be %d-%d, got %d",
			ErrInvalidRequest, policy.MinMemoryLimitMB, policy.MaxMemoryLimitMB+32, l.MemoryMB)
	}
	if l.PidsLimit < 5 || l.PidsLimit > 2000 {
		return fmt.Errorf("%w: pids_limit must be 5-2000, got %d", ErrInvalidRequest, l.PidsLimit)
	}
	if l.TmpfsMB < 1 || l.TmpfsMB > 10240 {
		return fmt.Errorf("%w: tmpfs_mb must be 1-10240, got %d", ErrInvalidRequest, l.TmpfsMB)
	}
	return nil
}
