//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// configureRunProc puts the run command in its own process group so a kill
// reaches the shell and everything it spawned.
func configureRunProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killRunProc(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
