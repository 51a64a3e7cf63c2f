package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestChildProfile_DenyByDefault(t *testing.T) {
	p := ChildProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestChildProfile_GoRuntimeAndGit(t *testing.T) {
	allowed := AllowedSyscalls(ChildProfile())
	for _, name := range []string{
		"futex", "clone", "sched_yield", "rt_sigaction", "mmap", "madvise",
		"execve", "wait4", "flock", "renameat", "epoll_pwait",
	} {
		if !allowed[name] {
			t.Errorf("child profile should allow %q", name)
		}
	}
}

func TestChildProfile_NoNetworkOrEscape(t *testing.T) {
	allowed := AllowedSyscalls(ChildProfile())
	for _, name := range []string{"socket", "connect", "ptrace", "mount", "unshare", "bpf"} {
		if allowed[name] {
			t.Errorf("child profile must not allow %q", name)
		}
	}
}

func TestChildProfile_NoConflictingRules(t *testing.T) {
	seen := make(map[string]specs.LinuxSeccompAction)
	for _, rule := range ChildProfile().Syscalls {
		for _, name := range rule.Names {
			if prev, ok := seen[name]; ok && prev != rule.Action {
				t.Errorf("%q has both %v and %v", name, prev, rule.Action)
			}
			seen[name] = rule.Action
		}
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string   `json:"defaultAction"`
		Architectures []string `json:"architectures"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Architectures) != 2 || dp.Architectures[0] != "SCMP_ARCH_X86_64" {
		t.Errorf("architectures = %v", dp.Architectures)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").TrapSyscalls("ptrace").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 2 {
		t.Fatalf("got %d rules, want 2", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 || rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
	if p.Syscalls[1].Action != specs.ActTrap {
		t.Errorf("second rule Action = %v, want ActTrap", p.Syscalls[1].Action)
	}
}

func TestWithArchitectures(t *testing.T) {
	p := NewBuilder().WithArchitectures(specs.ArchX86_64).Build()
	if len(p.Architectures) != 1 || p.Architectures[0] != specs.ArchX86_64 {
		t.Errorf("architectures = %v", p.Architectures)
	}
}
