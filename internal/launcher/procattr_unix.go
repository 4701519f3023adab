//go:build !windows
// +build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group so Terminate can kill
// the agent together with any children it spawned.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative PID targets the whole group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
