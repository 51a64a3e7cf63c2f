//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group and makes
// context cancellation kill the whole group, including anything the
// snippet started through git.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
