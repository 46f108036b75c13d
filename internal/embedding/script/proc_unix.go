//go:build unix

package script

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts the script in its own process group and makes
// cancellation signal the whole group, so shell wrappers do not leave their
// children running.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
