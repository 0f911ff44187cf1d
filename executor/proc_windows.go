//go:build windows

package executor

import "os/exec"

func configureRunProc(cmd *exec.Cmd) {}

func killRunProc(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
