package sandbox

import (
	"testing"

	"codemode-runtime/internal/policy"
)

func TestDefaultContainerLimits(t *testing.T) {
	l := DefaultContainerLimits()
	if l.CPUShares != 1024 {
		t.Errorf("CPUShares = %d, want 1024", l.CPUShares)
	}
	if l.MemoryMB != policy.DefaultMemoryLimitMB {
		t.Errorf("MemoryMB = %d, want %d", l.MemoryMB, policy.DefaultMemoryLimitMB)
	}
	if l.PidsLimit != 64 {
		t.Errorf("PidsLimit = %d, want 64", l.PidsLimit)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultContainerLimits().Validate() = %v, want nil", err)
	}
}

func TestLimitsFor(t *testing.T) {
	p, err := policy.New(policy.Spec{AllowedDirectories: []string{t.TempDir()}, MemoryLimitMB: 512})
	if err != nil {
		t.Fatal(err)
	}
	if got := LimitsFor(p).MemoryMB; got != 544 {
		t.Errorf("MemoryMB = %d, want 544", got)
	}
}

func TestContainerLimits_Validate(t *testing.T) {
	tests := []struct {
		name   string
		limits ContainerLimits
	}{
		{"cpu over", ContainerLimits{CPUShares: 8193, MemoryMB: 256, PidsLimit: 50, TmpfsMB: 100}},
		{"memory under", ContainerLimits{CPUShares: 512, MemoryMB: 8, PidsLimit: 50, TmpfsMB: 100}},
		{"pids under", ContainerLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 1, TmpfsMB: 100}},
		{"tmpfs zero", ContainerLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 50, TmpfsMB: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.limits.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
