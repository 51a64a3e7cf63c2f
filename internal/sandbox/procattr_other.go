//go:build !unix

package sandbox

import "os/exec"

// setProcessGroup falls back to killing only the child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}
