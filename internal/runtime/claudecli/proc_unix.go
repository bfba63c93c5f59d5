//go:build !windows

package claudecli

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the CLI in its own process group so that tool
// subprocesses it spawns are killed with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
