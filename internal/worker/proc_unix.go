//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the worker's process group. The group id
// equals the leader pid because of Setpgid.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// settleIfGroupAlive runs settle only while the reaped leader's group still
// has members.
func settleIfGroupAlive(cmd *exec.Cmd, settle func()) {
	if syscall.Kill(-cmd.Process.Pid, 0) == nil {
		settle()
	}
}
