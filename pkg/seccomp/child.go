package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// goRuntimeSyscalls are what a statically linked Go binary needs to start,
// schedule goroutines, collect garbage and exit.
func goRuntimeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"openat", "open", "close", "close_range", "lseek",
			"fstat", "newfstatat", "stat", "lstat", "statx",
			"fcntl", "dup", "dup3",
			"pipe2",
			"readlinkat", "readlink",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "madvise", "mincore",
		).
		AllowSyscalls(
			"clone", "clone3",
			"exit", "exit_group",
			"set_tid_address", "set_robust_list", "rseq",
			"futex", "gettid", "tgkill", "tkill",
			"sched_yield", "sched_getaffinity",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
			"restart_syscall",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres", "gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_pwait", "epoll_wait",
			"eventfd2",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid", "getgid", "getegid",
			"uname", "getcwd",
			"getrandom", "arch_prctl", "prctl",
			"getrlimit", "prlimit64", "setrlimit",
		)
}

// fileSyscalls cover the fs tools, the store's flock and atomic renames.
func fileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"access", "faccessat", "faccessat2",
		"mkdirat", "mkdir",
		"unlinkat", "unlink", "rmdir",
		"renameat", "renameat2", "rename",
		"fchmod", "fchmodat", "chmod", "umask",
		"fchown", "fchownat",
		"ftruncate", "fallocate",
		"fsync", "fdatasync",
		"flock",
		"statfs", "fstatfs",
		"utimensat",
		"ioctl",
		"chdir", "fchdir",
	)
}

// subprocessSyscalls let the git module fork and exec git.
func subprocessSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"execve", "execveat",
		"vfork",
		"wait4", "waitid",
		"pidfd_open", "pidfd_send_signal",
		"setpgid", "getpgid",
		"poll", "ppoll", "pselect6",
		"sysinfo",
	)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl", "add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"socket", "connect", "bind", "listen", "accept", "accept4",
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// ChildProfile returns the deny-by-default profile for a sandbox child:
// the Go runtime, file tools and git subprocesses, and no sockets.
func ChildProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = goRuntimeSyscalls(b)
	b = fileSyscalls(b)
	b = subprocessSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// AllowedSyscalls lists every syscall p allows.
func AllowedSyscalls(p *specs.LinuxSeccomp) map[string]bool {
	out := make(map[string]bool)
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			out[name] = true
		}
	}
	return out
}
